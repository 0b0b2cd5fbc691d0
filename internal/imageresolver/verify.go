package imageresolver

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// DigestMismatchError reports a fetched blob whose content hashed to
// something other than its declared digest. It is never retried.
type DigestMismatchError struct {
	Declared digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("layer digest mismatch: declared %s, got %s", e.Declared, e.Actual)
}

// verifyingReader hashes everything read from the underlying stream and, at
// end of stream, substitutes a DigestMismatchError for io.EOF when the hash
// does not match the declared digest. Consumers therefore never observe a
// clean EOF on corrupt content.
type verifyingReader struct {
	r        io.Reader
	declared digest.Digest
	digester digest.Digester
	verified bool
}

func newVerifyingReader(r io.Reader, declared digest.Digest) *verifyingReader {
	return &verifyingReader{
		r:        r,
		declared: declared,
		digester: declared.Algorithm().Digester(),
	}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		// Hash.Write never returns an error.
		_, _ = v.digester.Hash().Write(p[:n])
	}
	if err == io.EOF {
		if v.verified {
			return n, io.EOF
		}
		actual := v.digester.Digest()
		if actual != v.declared {
			return n, &DigestMismatchError{Declared: v.declared, Actual: actual}
		}
		v.verified = true
	}
	return n, err
}
