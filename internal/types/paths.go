package types

import (
	"fmt"
	"path/filepath"
)

// TempDirName holds partial downloads next to their targets.
const TempDirName = ".dlcore-temp"

func TargetPath(path string, isDir bool, filename string) string {
	if !isDir {
		return path
	}
	if filename == "" {
		return ""
	}
	return filepath.Join(path, filename)
}

func TempPath(target string) string {
	return fmt.Sprintf("%s.part", filepath.Join(filepath.Dir(target), TempDirName, filepath.Base(target)))
}
