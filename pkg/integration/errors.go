package integration

import (
	"errors"
	"fmt"

	"github.com/ha1tch/olumine/pkg/models"
)

// ErrTooDeep is returned when reference chains nest beyond the merge depth
var ErrTooDeep = errors.New("reference chain too deep")

// DuplicateSourceError reports two non-equivalent records claiming the same
// non-skeleton source for one field.
type DuplicateSourceError struct {
	Incoming *models.Object
	Existing *models.Object
	Field    string
	Source   *models.Source
	Tracked  *models.Source
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("unequivalent objects have the same non-skeleton source: o1 = %q (from source), o2 = %q (from database), source1 = %q, source2 = %q for field %q",
		e.Incoming, e.Existing, e.Source, e.Tracked, e.Field)
}

// IsDuplicateSource reports whether err is a duplicate source conflict
func IsDuplicateSource(err error) bool {
	var dup *DuplicateSourceError
	return errors.As(err, &dup)
}
