package agents

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
)

type qemuImg struct {
	bin  string
	sudo bool
}

func (a *Agents) qemu() qemuImg {
	return qemuImg{bin: a.cfg.QemuImg, sudo: a.cfg.UseSudo}
}

func (q qemuImg) argv(args ...string) []string {
	return remoteops.Sudo(q.sudo, append([]string{q.bin}, args...)...)
}

// create allocates a sparse image file.
func (q qemuImg) create(format resources.ImageFormat, path string, size int64) []string {
	return q.argv("create", "-f", string(format), path, strconv.FormatInt(size, 10))
}

// rebase drops the backing file reference without touching data.
func (q qemuImg) rebase(format resources.ImageFormat, path string) []string {
	return q.argv("rebase", "-u", "-f", string(format), "-b", "", path)
}

func (q qemuImg) resize(path, size string) []string {
	return q.argv("resize", path, size)
}

func (q qemuImg) info(path string) []string {
	return q.argv("info", "--output=json", path)
}

// imageInfo is the subset of qemu-img info output read by the handlers.
type imageInfo struct {
	Format          string `json:"format"`
	VirtualSize     int64  `json:"virtual-size"`
	ActualSize      int64  `json:"actual-size"`
	BackingFilename string `json:"backing-filename,omitempty"`
}

func parseImageInfo(out string) (*imageInfo, error) {
	var info imageInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("failed to parse qemu-img info: %w", err)
	}
	if info.VirtualSize <= 0 {
		return nil, fmt.Errorf("qemu-img info reported no virtual size")
	}
	return &info, nil
}
