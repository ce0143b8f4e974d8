package outputs

import (
	"net/http"
	"os"
	"path"
	"strings"
)

// FileServer serves batch files under URLPrefix. Directory listings are not
// exposed: any path that resolves to a directory answers 404.
func (l *Layout) FileServer() http.Handler {
	fs := http.FileServer(noListing{http.Dir(l.Root)})
	return http.StripPrefix(strings.TrimSuffix(URLPrefix, "/"), fs)
}

type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(path.Clean(name))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
