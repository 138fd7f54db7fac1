package expert

import "errors"

var (
	ErrProviderUnavailable = errors.New("expert provider unavailable")
	ErrInvokeTimeout       = errors.New("expert invocation timeout")
	ErrInvalidResponse     = errors.New("expert provider returned invalid response")
)
