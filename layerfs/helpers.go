package layerfs

import (
	"strings"
	"time"

	"github.com/projecteru2/cocoon-broker/digest"
)

func parseHexDigest(hexStr string) (digest.Digest, error) {
	hexStr = strings.TrimRight(hexStr, "\x00")
	return digest.FromString("sha256:" + hexStr)
}

func unixTime(sec uint64) time.Time {
	return time.Unix(int64(sec), 0).UTC() //nolint:gosec
}
