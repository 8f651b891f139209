// Package codesign builds ad-hoc Mach-O code signatures for linker output.
package codesign

import (
	"io"

	"github.com/appsworld/ld64/pkg/codesign/types"
)

// Size returns the number of bytes the ad-hoc signature blob will occupy
// for a code region of codeSize bytes signed under the given identifier,
// with entitlements (nil if none) embedded as the CSSLOT_ENTITLEMENTS blob.
func Size(codeSize int64, id string, entitlements []byte) int64 {
	return types.Size(codeSize, id, entitlements)
}

// AdHocSign generates an ad-hoc code signature and writes it to out.
// out must have length at least Size(codeSize, id, entitlements).
// data is the file content without the signature, of size codeSize.
// textOff and textSize is the file offset and size of the text segment.
// isMain is true if this is a main executable.
// id is the identifier used for signing (a field in the CodeDirectory blob,
// which has no significance in ad-hoc signing since there is no signer identity).
// entitlements, if non-nil, is embedded as the CSSLOT_ENTITLEMENTS blob and
// hashed into the CodeDirectory's special slot 5.
func AdHocSign(out []byte, data io.Reader, id string, codeSize, textOff, textSize int64, isMain bool, entitlements []byte) {
	types.Sign(out, data, id, codeSize, textOff, textSize, isMain, uint32(types.ADHOC), entitlements)
}
