package disk

import (
	"encoding/json"
	"fmt"
)

// qemuImgInfo is the subset of `qemu-img info --output=json` fields used by
// the disk layer.
type qemuImgInfo struct {
	VirtualSize int64 `json:"virtual-size"`
}

func parseVirtualSize(out []byte) (int64, error) {
	var info qemuImgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("parse qemu-img info output: %w", err)
	}
	return info.VirtualSize, nil
}
