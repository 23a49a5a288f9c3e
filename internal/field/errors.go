package field

import "codeberg.org/mutker/probemon/internal/errors"

const (
	// Layout Errors
	ErrInvalidLayout  = errors.ErrorCode("field_invalid_layout")
	ErrReadLayout     = errors.ErrorCode("field_read_layout_failed")
	ErrDuplicateField = errors.ErrorCode("field_duplicate_id")
	ErrUnknownField   = errors.ErrorCode("field_unknown_id")
	ErrOutsideStruct  = errors.ErrorCode("field_outside_struct")
	ErrWrongDirection = errors.ErrorCode("field_wrong_direction")
	ErrUnknownGroup   = errors.ErrorCode("field_unknown_group")
	ErrInvalidGroup   = errors.ErrorCode("field_invalid_group")
	ErrSignedMismatch = errors.ErrorCode("field_signed_mismatch")

	// Resolution Errors
	ErrInstanceOutOfRange = errors.ErrorCode("field_instance_out_of_range")
)
