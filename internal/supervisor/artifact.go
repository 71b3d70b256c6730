package supervisor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/tos-network/tos-miner/internal/util"
)

// ErrUnverifiedArtifact is returned when the engine executable fails
// verification; nothing is spawned against it
var ErrUnverifiedArtifact = errors.New("unverified engine artifact")

// Artifact is an engine executable and its expected BLAKE3 digest
type Artifact struct {
	Path   string
	Digest string
}

// Verify checks that the path is an executable regular file and, when a
// digest is set, that its contents hash to it
func (a Artifact) Verify() error {
	if a.Path == "" {
		return a.fail(errors.New("no path"))
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return a.fail(err)
	}
	if !info.Mode().IsRegular() {
		return a.fail(errors.New("not a regular file"))
	}
	if info.Mode().Perm()&0111 == 0 {
		return a.fail(errors.New("not executable"))
	}
	if a.Digest == "" {
		return nil
	}

	sum, err := FileDigest(a.Path)
	if err != nil {
		return a.fail(err)
	}
	if !strings.EqualFold(sum, strings.TrimSpace(a.Digest)) {
		return a.fail(fmt.Errorf("digest mismatch: have %s", sum))
	}
	return nil
}

func (a Artifact) fail(err error) error {
	return util.WrapError(util.KindProcess, "verify "+a.Path, fmt.Errorf("%w: %v", ErrUnverifiedArtifact, err))
}

// FileDigest returns the hex BLAKE3-256 digest of a file
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
