package manager

import (
	"errors"
	"os"

	"github.com/noteflow-ai/modelstore/transfer"
)

// removeFile deletes path, treating a missing file as success: the
// filesystem is the source of truth and an already-gone file is the
// desired end state.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// removePartial best-effort deletes the partial file of a destination.
func removePartial(dest string) {
	_ = os.Remove(dest + transfer.PartSuffix)
}
