package cache

// The snapshot of one customer is a single hash:
//
//	meta           unix ms the snapshot was warmed at; absent means cold
//	gen            bumped whenever a write misses a cold snapshot, fencing warms
//	ent:{id}       JSON encoded domain.BalanceState
//	fence:{token}  unix ms deadline of a durable writer holding the customer
//
// Numbers written by the scripts are rounded to 1e-9 so repeated fractional
// deductions do not accumulate binary drift.

const deductScript = `
local EPS = 1e-6
local payload = cjson.decode(ARGV[1])
local now = tonumber(payload.now) or 0
local ttl = tonumber(payload.ttl_ms) or 0
local policy = payload.policy

if redis.call("HEXISTS", KEYS[1], "meta") == 0 then
  return cjson.encode({status = "cold"})
end

local function round(x)
  return math.floor(x * 1e9 + 0.5) / 1e9
end

local function take(available, remaining)
  if available <= EPS then
    return 0
  end
  if available < remaining then
    return available
  end
  return remaining
end

local states = {}
local order = {}
for _, d in ipairs(payload.deductions) do
  for _, id in ipairs(d.targets) do
    if states[id] == nil then
      local raw = redis.call("HGET", KEYS[1], "ent:" .. id)
      if not raw then
        return cjson.encode({status = "stale", id = id})
      end
      local st = cjson.decode(raw)
      if type(st.entities) ~= "table" then
        st.entities = {}
      end
      if type(st.rollovers) ~= "table" then
        st.rollovers = {}
      end
      local reset = tonumber(st.next_reset_at) or 0
      if reset > 0 and reset <= now then
        return cjson.encode({status = "stale", id = id})
      end
      states[id] = st
      table.insert(order, id)
    end
  end
end

local touched = {}
local touched_order = {}
local function touch(id)
  if not touched[id] then
    touched[id] = true
    table.insert(touched_order, id)
  end
end

local function covers(st, entity)
  if not st.entity_scoped or entity == "" then
    return true
  end
  return st.entities[entity] ~= nil
end

local function slots(st, entity, additional)
  if not st.entity_scoped then
    if additional then
      return {{t = st, f = "additional_balance"}}
    end
    return {{t = st, f = "balance"}}
  end
  local ids = {}
  if entity ~= "" then
    if st.entities[entity] ~= nil then
      ids = {entity}
    end
  else
    for id in pairs(st.entities) do
      table.insert(ids, id)
    end
    table.sort(ids)
  end
  local out = {}
  for _, id in ipairs(ids) do
    if additional then
      table.insert(out, {t = st.entities[id], f = "adjustment"})
    else
      table.insert(out, {t = st.entities[id], f = "balance"})
    end
  end
  return out
end

local function get(s)
  return tonumber(s.t[s.f]) or 0
end

local function set(s, v)
  s.t[s.f] = round(v)
end

local function debit(targets, entity, amount)
  local remaining = amount

  local refs = {}
  for i, st in ipairs(targets) do
    if not st.entity_scoped then
      for rid, r in pairs(st.rollovers) do
        local exp = tonumber(r.expires_at) or 0
        if exp == 0 or exp > now then
          table.insert(refs, {st = st, id = rid, exp = exp, order = i})
        end
      end
    end
  end
  table.sort(refs, function(a, b)
    if a.exp ~= b.exp then
      if a.exp == 0 then
        return false
      end
      if b.exp == 0 then
        return true
      end
      return a.exp < b.exp
    end
    if a.order ~= b.order then
      return a.order < b.order
    end
    return a.id < b.id
  end)
  for _, ref in ipairs(refs) do
    if remaining <= EPS then
      break
    end
    local r = ref.st.rollovers[ref.id]
    local t = take(tonumber(r.balance) or 0, remaining)
    if t > 0 then
      r.balance = round((tonumber(r.balance) or 0) - t)
      remaining = round(remaining - t)
      touch(ref.st.id)
    end
  end

  for _, st in ipairs(targets) do
    for _, additional in ipairs({true, false}) do
      for _, s in ipairs(slots(st, entity, additional)) do
        if remaining <= EPS then
          break
        end
        local t = take(get(s), remaining)
        if t > 0 then
          set(s, get(s) - t)
          remaining = round(remaining - t)
          touch(st.id)
        end
      end
    end
  end

  if remaining > EPS then
    if policy == "allow" then
      for _, st in ipairs(targets) do
        local balances = slots(st, entity, false)
        if #balances > 0 then
          set(balances[1], get(balances[1]) - remaining)
          remaining = 0
          touch(st.id)
          break
        end
      end
    else
      for _, st in ipairs(targets) do
        if st.usage_allowed then
          for _, s in ipairs(slots(st, entity, false)) do
            if remaining <= EPS then
              break
            end
            local room = remaining
            if st.has_min_balance then
              room = get(s) - (tonumber(st.min_balance) or 0)
            end
            local t = take(room, remaining)
            if t > 0 then
              set(s, get(s) - t)
              remaining = round(remaining - t)
              touch(st.id)
            end
          end
        end
      end
    end
  end

  if remaining > EPS then
    return false, round(amount - remaining)
  end
  return true, round(amount - remaining)
end

local function credit(targets, entity, amount)
  local remaining = amount
  for _, st in ipairs(targets) do
    for _, s in ipairs(slots(st, entity, false)) do
      if remaining <= EPS then
        return round(amount - remaining)
      end
      local room = remaining
      if policy ~= "allow" and st.has_max_balance then
        room = (tonumber(st.max_balance) or 0) - get(s)
      end
      local t = take(room, remaining)
      if t > 0 then
        set(s, get(s) + t)
        remaining = round(remaining - t)
        touch(st.id)
      end
    end
  end
  return round(amount - remaining)
end

local applied = {}
for _, d in ipairs(payload.deductions) do
  local entity = d.entity_id or ""
  local targets = {}
  local unlimited = false
  for _, id in ipairs(d.targets) do
    local st = states[id]
    if st ~= nil and covers(st, entity) then
      if st.unlimited then
        unlimited = true
      end
      table.insert(targets, st)
    end
  end
  if #targets == 0 then
    return cjson.encode({status = "no_balance", feature_id = d.feature_id})
  end
  if applied[d.feature_id] == nil then
    applied[d.feature_id] = 0
  end
  if not unlimited then
    local amount = tonumber(d.amount) or 0
    if amount < 0 then
      applied[d.feature_id] = round(applied[d.feature_id] - credit(targets, entity, -amount))
    else
      local ok, got = debit(targets, entity, amount)
      if not ok then
        return cjson.encode({
          status = "rejected",
          feature_id = d.feature_id,
          requested = amount,
          available = got,
        })
      end
      applied[d.feature_id] = round(applied[d.feature_id] + got)
    end
  end
end

for _, id in ipairs(touched_order) do
  local st = states[id]
  st.version = (tonumber(st.version) or 0) + 1
  redis.call("HSET", KEYS[1], "ent:" .. id, cjson.encode(st))
end
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end

return cjson.encode({status = "ok", applied = applied, states = states, touched = touched_order})
`

// Shared by the scripts below: whether a durable writer still holds the
// customer.
const fencedLua = `
local function fenced(now)
  for _, f in ipairs(redis.call("HKEYS", KEYS[1])) do
    if string.sub(f, 1, 6) == "fence:" then
      if (tonumber(redis.call("HGET", KEYS[1], f)) or 0) > now then
        return true
      end
    end
  end
  return false
end
`

// ARGV: mode, ttl_ms, now, expected gen, then (id, version, json) triples.
// "create" writes a full snapshot into a cold key unless a concurrent write
// bumped gen since the caller read it or a durable writer holds a fence.
// "refresh" overwrites entries whose cached version is lower, and only when
// the snapshot is warm.
const upsertScript = fencedLua + `
local mode = ARGV[1]
local ttl = tonumber(ARGV[2]) or 0
local now = ARGV[3]
local expected = ARGV[4]

local warm = redis.call("HEXISTS", KEYS[1], "meta") == 1

if mode == "create" then
  if warm then
    return 0
  end
  local gen = redis.call("HGET", KEYS[1], "gen")
  if not gen then
    gen = ""
  end
  if gen ~= expected or fenced(tonumber(now) or 0) then
    return -1
  end
elseif not warm then
  redis.call("HINCRBY", KEYS[1], "gen", 1)
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
  end
  return 0
end

local written = 0
for i = 5, #ARGV, 3 do
  local field = "ent:" .. ARGV[i]
  local version = tonumber(ARGV[i + 1]) or 0
  local write = true
  if mode ~= "create" then
    local current = redis.call("HGET", KEYS[1], field)
    if current then
      local cur = cjson.decode(current)
      if (tonumber(cur.version) or 0) >= version then
        write = false
      end
    end
  end
  if write then
    redis.call("HSET", KEYS[1], field, ARGV[i + 2])
    written = written + 1
  end
end

if mode == "create" then
  redis.call("HSET", KEYS[1], "meta", now)
end
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return written
`

// ARGV: token, now, lease_ms, ttl_ms. Empties the snapshot, keeping gen and
// fences, and fences it under token. Returns the entries it held. Expired
// fences are swept.
const takeScript = `
local now = tonumber(ARGV[2]) or 0
local lease = tonumber(ARGV[3]) or 0
local ttl = tonumber(ARGV[4]) or 0

local taken = {}
for _, f in ipairs(redis.call("HKEYS", KEYS[1])) do
  if string.sub(f, 1, 6) == "fence:" then
    if (tonumber(redis.call("HGET", KEYS[1], f)) or 0) <= now then
      redis.call("HDEL", KEYS[1], f)
    end
  elseif f ~= "gen" then
    if string.sub(f, 1, 4) == "ent:" then
      table.insert(taken, redis.call("HGET", KEYS[1], f))
    end
    redis.call("HDEL", KEYS[1], f)
  end
end

redis.call("HINCRBY", KEYS[1], "gen", 1)
redis.call("HSET", KEYS[1], "fence:" .. ARGV[1], string.format("%d", now + lease))
if lease > ttl then
  ttl = lease
end
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return taken
`

// ARGV: token, now, ttl_ms, "warm" or "", then (id, json) pairs. Lifts
// token's fence and bumps gen. With "warm" the pairs become the snapshot
// unless it is already warm or another writer is still fenced in.
const releaseScript = fencedLua + `
local now = tonumber(ARGV[2]) or 0
local ttl = tonumber(ARGV[3]) or 0

redis.call("HDEL", KEYS[1], "fence:" .. ARGV[1])
redis.call("HINCRBY", KEYS[1], "gen", 1)

local written = -1
if ARGV[4] == "warm" and redis.call("HEXISTS", KEYS[1], "meta") == 0 and not fenced(now) then
  written = 0
  for i = 5, #ARGV, 2 do
    redis.call("HSET", KEYS[1], "ent:" .. ARGV[i], ARGV[i + 1])
    written = written + 1
  end
  redis.call("HSET", KEYS[1], "meta", now)
end
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return written
`
