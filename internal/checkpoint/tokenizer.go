package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/born-ml/tinyllama/internal/serialization"
)

// CopyTokenizer copies each file into dir under its base name, so a
// checkpoint directory is loadable on its own.
func CopyTokenizer(files []string, dir string) error {
	for _, src := range files {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy tokenizer file %s: %w", src, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: path from the tokenizer spec
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	return serialization.WriteFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
