package workspace

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// pathRoute is the URL prefix under which the platform serves data paths.
const pathRoute = "/path/"

// ResolveInputs writes a temporary copy of the execution's inputs file in
// which every platform path URL (http://host/path/<rel>) is replaced by its
// absolute location in the data directory. The caller deletes the returned
// file once the worker is done with it.
func (l Layout) ResolveInputs(user, id string) (string, error) {
	raw, err := os.ReadFile(l.InputsPath(user, id))
	if err != nil {
		return "", fmt.Errorf("read inputs: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("inputs file is not valid JSON")
	}

	resolved, err := l.rewriteInputs(raw)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(l.CarminDir(user, id), "inputs-resolved-*.json")
	if err != nil {
		return "", fmt.Errorf("create resolved inputs: %w", err)
	}
	if _, err := f.Write(resolved); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write resolved inputs: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close resolved inputs: %w", err)
	}
	return f.Name(), nil
}

func (l Layout) rewriteInputs(raw []byte) ([]byte, error) {
	out := raw
	var rerr error
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		path := escapeKey(key.String())
		switch {
		case value.Type == gjson.String:
			abs, ok, err := l.platformPath(value.String())
			if err != nil {
				rerr = err
				return false
			}
			if ok {
				out, rerr = sjson.SetBytes(out, path, abs)
			}
		case value.IsArray():
			for i, item := range value.Array() {
				if item.Type != gjson.String {
					continue
				}
				abs, ok, err := l.platformPath(item.String())
				if err != nil {
					rerr = err
					return false
				}
				if ok {
					if out, rerr = sjson.SetBytes(out, fmt.Sprintf("%s.%d", path, i), abs); rerr != nil {
						return false
					}
				}
			}
		}
		return rerr == nil
	})
	if rerr != nil {
		return nil, fmt.Errorf("resolve inputs: %w", rerr)
	}
	return out, nil
}

// platformPath maps a platform path URL to an absolute data path. Values that
// are not platform URLs are reported with ok=false and left untouched.
func (l Layout) platformPath(v string) (string, bool, error) {
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false, nil
	}
	if !strings.HasPrefix(u.Path, pathRoute) {
		return "", false, nil
	}
	abs, err := l.Within(strings.TrimPrefix(u.Path, pathRoute))
	if err != nil {
		return "", false, err
	}
	return abs, true, nil
}

// escapeKey escapes gjson/sjson path metacharacters in a top-level key.
func escapeKey(k string) string {
	r := strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)
	return r.Replace(k)
}
