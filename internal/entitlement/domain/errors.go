package domain

import "errors"

var (
	ErrInvalidInterval        = errors.New("invalid_interval")
	ErrInvalidAllowance       = errors.New("invalid_allowance")
	ErrCustomerProductMissing = errors.New("customer_product_not_found")
	ErrEntityExists           = errors.New("entity_already_exists")
	ErrEntityNotFound         = errors.New("entity_not_found")
	ErrVersionConflict        = errors.New("customer_entitlement_version_conflict")
)
