package consensus

import "errors"

var (
	ErrInvalidParameter = errors.New("parameter name must not be empty")
	ErrInvalidMode      = errors.New("unknown consensus mode")
	ErrInvalidSmoothing = errors.New("smoothing factor must be in [0,1]")
	ErrInvalidBounds    = errors.New("parameter max must exceed min")
	ErrParameterExists  = errors.New("parameter already registered")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrDuplicateInput   = errors.New("duplicate input discarded")
	ErrValueOutOfBounds = errors.New("value outside parameter bounds")
)
