package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// LoadFromFileOrHttpUrl reads a whole small file from a plain path, a
// file: url, or an http[s] url. Intended for things like partition table
// csvs, not firmware images.
func LoadFromFileOrHttpUrl(urlString string) ([]byte, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "":
		return os.ReadFile(urlString)
	case "file":
		return os.ReadFile(u.Path)
	case "http", "https":
		res, err := RetryHttpRequest(context.Background(), http.MethodGet, urlString, "", nil)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("http error: %s", res.Status)
		}
		return io.ReadAll(res.Body)
	default:
		return nil, errors.New("unknown scheme, must use a path or file or http[s]")
	}
}
