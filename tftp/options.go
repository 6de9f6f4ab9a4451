package tftp

import (
	"strconv"
	"strings"
	"time"
)

// Option value bounds from RFC 2348 (blksize), RFC 2349 (timeout, tsize)
// and RFC 7440 (windowsize).
const (
	DefaultBlockSize  = 512
	minBlockSize      = 8
	maxBlockSize      = 65464
	DefaultTimeout    = 5 * time.Second
	minTimeoutSecs    = 1
	maxTimeoutSecs    = 255
	DefaultWindowSize = 1
	minWindowSize     = 1
	maxWindowSize     = 65535

	// Sending a full window assumes the OS send buffer can absorb it, so
	// the window a client may negotiate is capped.
	windowSizeCeiling = 8
)

// TransferOptions are the values in effect for one session after
// negotiation. TransferSize is -1 when the client did not ask for it.
type TransferOptions struct {
	BlockSize    int
	Timeout      time.Duration
	WindowSize   int
	TransferSize int64
}

func defaultTransferOptions() TransferOptions {
	return TransferOptions{
		BlockSize:    DefaultBlockSize,
		Timeout:      DefaultTimeout,
		WindowSize:   DefaultWindowSize,
		TransferSize: -1,
	}
}

// negotiate applies the client's offered options on top of the defaults and
// builds the OACK option list. Unknown options are ignored per RFC 2347.
// A recognized option whose value does not parse as a decimal integer, or
// falls outside its RFC range, fails the whole negotiation with error code 8.
//
// tsize is the resolved file size for a read request and -1 for a write
// request, where the client's announced size is echoed instead. Accepted
// options that would not change behavior are left out of the OACK.
func negotiate(offered []Option, tsize int64) (TransferOptions, []Option, *Error) {
	opts := defaultTransferOptions()
	var oack []Option

	for _, o := range offered {
		switch strings.ToLower(o.Name) {
		case "blksize":
			v, err := parseOptionValue(o, minBlockSize, maxBlockSize)
			if err != nil {
				return opts, nil, err
			}
			opts.BlockSize = v
			if v != DefaultBlockSize {
				oack = append(oack, Option{Name: "blksize", Value: strconv.Itoa(v)})
			}
		case "timeout":
			v, err := parseOptionValue(o, minTimeoutSecs, maxTimeoutSecs)
			if err != nil {
				return opts, nil, err
			}
			opts.Timeout = time.Duration(v) * time.Second
			if opts.Timeout != DefaultTimeout {
				oack = append(oack, Option{Name: "timeout", Value: strconv.Itoa(v)})
			}
		case "tsize":
			v, err := strconv.ParseInt(o.Value, 10, 64)
			if err != nil || v < 0 {
				return opts, nil, &Error{Code: ERR_BAD_OPTIONS, Message: "bad tsize value"}
			}
			if tsize >= 0 {
				// Read request: a tsize of 0 asks the server to
				// announce the file size.
				opts.TransferSize = tsize
			} else {
				opts.TransferSize = v
			}
			oack = append(oack, Option{Name: "tsize", Value: strconv.FormatInt(opts.TransferSize, 10)})
		case "windowsize":
			v, err := parseOptionValue(o, minWindowSize, maxWindowSize)
			if err != nil {
				return opts, nil, err
			}
			if v > windowSizeCeiling {
				v = windowSizeCeiling
			}
			opts.WindowSize = v
			if v != DefaultWindowSize {
				oack = append(oack, Option{Name: "windowsize", Value: strconv.Itoa(v)})
			}
		}
	}

	return opts, oack, nil
}

func parseOptionValue(o Option, min, max int) (int, *Error) {
	v, err := strconv.Atoi(o.Value)
	if err != nil || v < min || v > max {
		return 0, &Error{Code: ERR_BAD_OPTIONS, Message: "bad " + strings.ToLower(o.Name) + " value"}
	}
	return v, nil
}
