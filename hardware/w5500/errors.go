package w5500

import (
	"os"

	"github.com/juju/errors"
)

var ErrConnect = errors.New("w5500 connect failed")

// timeoutError satisfies net.Error so net/http and friends see deadlines.
type timeoutError struct{ op string }

func (e *timeoutError) Error() string      { return modName + " " + e.op + ": i/o timeout" }
func (*timeoutError) Timeout() bool        { return true }
func (*timeoutError) Temporary() bool      { return true }
func (*timeoutError) Is(target error) bool { return target == os.ErrDeadlineExceeded }

func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	err = errors.Cause(err)
	if errors.IsTimeout(err) {
		return true
	}
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}
