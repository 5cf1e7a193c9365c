package blob

import "fmt"

// DecodeError reports a malformed or unreadable artifact envelope.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode blob: %s: %v", e.Msg, e.Err)
	}
	return "decode blob: " + e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(msg string, err error) error {
	return &DecodeError{Msg: msg, Err: err}
}

// IntegrityError reports that decoded content does not hash back to the
// artifact's own identifier. Fatal for the item: corrupted content must
// never be silently accepted.
type IntegrityError struct {
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("blob integrity: content hash %s does not match id %s", e.Got, e.Want)
}
