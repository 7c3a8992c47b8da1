package envelope

import "errors"

// ErrDecodeError is wrapped by any structural decode failure: malformed
// JSON, bad base64 payloads, or a header pair with the wrong shape.
var ErrDecodeError = errors.New("envelope: decode error")
