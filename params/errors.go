package params

import "github.com/cockroachdb/errors"

var (
	// ErrRange is returned by Set when the value lies outside [min, max].
	ErrRange = errors.New("parameter value out of range")

	// ErrNoValidPage is returned by LoadParams when the stored page fails its CRC.
	ErrNoValidPage = errors.New("no valid parameter page")

	ErrDuplicateID  = errors.New("duplicate parameter id")
	ErrSpotLimits   = errors.New("spot values must have zero limits")
	ErrUnknownParam = errors.New("unknown parameter")
)

// Code maps an error onto the result codes used by SDO peers: 0 on success,
// -1 otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	return -1
}
