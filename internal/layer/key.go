package layer

import (
	"crypto/sha256"
	"encoding/hex"
)

// Cache keys are 32 hex characters. Bump cacheVersion to invalidate every
// key when the serialization or key derivation changes.
const cacheVersion = "1"

func sum(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DeriveKey chains an operation key onto a parent key. The result uniquely
// identifies the filesystem state after applying the operation to the parent
// state.
func DeriveKey(parentKey, opKey string) string {
	return sum("derive", parentKey, opKey)
}

// BaseKey identifies the unpacked state of a base image.
func BaseKey(imageRef, arch string) string {
	return sum("base", cacheVersion, imageRef, arch)
}

// RunOpKey identifies a command execution by its inputs.
func RunOpKey(cmd []string, env []string, workDir string) string {
	h := sha256.New()
	h.Write([]byte("run:"))
	for _, c := range cmd {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, e := range env {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	h.Write([]byte(workDir))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// CopyOpKey identifies a file copy by destination and content.
func CopyOpKey(src, dst, contentHash string) string {
	return sum("copy", src, dst, contentHash)
}
