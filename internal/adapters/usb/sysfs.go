package usb

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot 是 Linux 下 USB 设备枚举的标准入口。
const DefaultSysfsRoot = "/sys/bus/usb/devices"

// Entry 是总线上一个 USB 设备的最小描述。
type Entry struct {
	Path      string
	VendorID  uint16
	ProductID uint16
	Serial    string
}

// EnumerateSysfs 枚举 sysfs 下的 USB 设备。只做文件读取，不触碰设备。
// root 为空时使用 DefaultSysfsRoot；目录不存在视为空总线而非错误，
// 保证零设备时也能在有限时间内返回。
func EnumerateSysfs(root string) ([]Entry, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, d := range dirs {
		name := d.Name()
		// 接口节点（1-1:1.0 这类）没有独立的 vendor/product，跳过。
		if strings.Contains(name, ":") {
			continue
		}

		base := filepath.Join(root, name)
		vendor, ok := readHexID(filepath.Join(base, "idVendor"))
		if !ok {
			continue
		}
		product, ok := readHexID(filepath.Join(base, "idProduct"))
		if !ok {
			continue
		}

		entries = append(entries, Entry{
			Path:      base,
			VendorID:  vendor,
			ProductID: product,
			Serial:    readTrimmed(filepath.Join(base, "serial")),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func readHexID(path string) (uint16, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

func readTrimmed(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
