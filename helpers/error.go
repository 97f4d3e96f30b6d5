package helpers

import (
	"strings"

	"github.com/juju/errors"
)

// FoldErrors collapses a slice that may contain nils into one error,
// nil when nothing went wrong.
func FoldErrors(errs []error) error {
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		return errors.New(ss[0])
	}
	return errors.Errorf("%d errors:\n%s", len(ss), strings.Join(ss, "\n"))
}
