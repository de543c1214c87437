package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Business failure sentinels, matched with errors.Is. Expected outcomes
// (insufficient stock, missing recipe) are not errors at all: they travel
// as AllocationResult reason codes so batch drivers can aggregate them.
var (
	ErrValidation             = errors.New("validation error")
	ErrLayerInUse             = errors.New("cost layer in use")
	ErrConcurrentModification = errors.New("concurrent modification")
)
