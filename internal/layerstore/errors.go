package layerstore

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrLayerInUse rejects removal of a layer still referenced by a composed
// rootfs.
var ErrLayerInUse = errors.New("layer in use")

// LayerMissingError reports a compose or lookup against a layer that is not
// present in the store.
type LayerMissingError struct {
	Digest digest.Digest
}

func (e *LayerMissingError) Error() string {
	return fmt.Sprintf("layer %s not found in store", e.Digest)
}
