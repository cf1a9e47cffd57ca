package backend

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewExecID returns an identifier for an exec session on backends whose
// guest transport has no exec objects of its own.
func NewExecID() string {
	return newID("exec")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
