package utils

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tanq16/dlcore/internal/types"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// ParseHeaderArgs turns "Key: Value" flags into a header set.
func ParseHeaderArgs(headers []string) http.Header {
	result := make(http.Header)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key != "" {
				result.Add(key, value)
			}
		}
	}
	return result
}

// FileNameFromHeader picks a file name from Content-Disposition, falling back
// to the last segment of the URL path.
func FileNameFromHeader(contentDisposition, rawURL string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return filenameRegex.ReplaceAllString(filepath.Base(fn), "_")
			} else if fn, ok := params["filename*"]; ok && fn != "" {
				if strings.HasPrefix(strings.ToUpper(fn), "UTF-8''") {
					unescaped, _ := url.PathUnescape(fn[len("UTF-8''"):])
					return filenameRegex.ReplaceAllString(filepath.Base(unescaped), "_")
				}
			}
		}
	}
	if parsedURL, err := url.Parse(rawURL); err == nil {
		base := path.Base(parsedURL.Path)
		if base != "" && base != "/" && base != "." {
			if unescaped, err := url.PathUnescape(base); err == nil {
				base = unescaped
			}
			return filenameRegex.ReplaceAllString(base, "_")
		}
	}
	return DefaultFileName
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Slice off "B" and add "B/s"
}

// CleanFunction removes the partial file of target and the temp directory
// once it is empty.
func CleanFunction(target string) error {
	partFile := types.TempPath(target)
	if err := os.Remove(partFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	tempDir := filepath.Dir(partFile)
	remainingFiles, err := os.ReadDir(tempDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(remainingFiles) == 0 {
		if err := os.Remove(tempDir); err != nil {
			return err
		}
	}
	return nil
}

// CleanLocal removes every partial download below dir.
func CleanLocal(dir string) error {
	tempDir := filepath.Join(dir, types.TempDirName)
	_, err := os.Stat(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(tempDir)
}
