package adapter

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/smd-tty/pkg/smdtty"
)

// maxAttrBody bounds a stored attribute value.
const maxAttrBody = 64

// Attributes is the per-device attribute surface of a driver.
type Attributes interface {
	ShowOpenTimeout(index int) (string, error)
	StoreOpenTimeout(index int, buf string) (int, error)
}

// AttributeHandler serves open_timeout as
// /devices/{index}/open_timeout, read with GET and written with PUT.
func AttributeHandler(a Attributes) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices/{index}/open_timeout", func(w http.ResponseWriter, r *http.Request) {
		index, ok := pathIndex(w, r)
		if !ok {
			return
		}
		out, err := a.ShowOpenTimeout(index)
		if err != nil {
			writeAttrError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, out)
	})
	mux.HandleFunc("PUT /devices/{index}/open_timeout", func(w http.ResponseWriter, r *http.Request) {
		index, ok := pathIndex(w, r)
		if !ok {
			return
		}
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if _, err := buf.ReadFrom(io.LimitReader(r.Body, maxAttrBody+1)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if buf.Len() > maxAttrBody {
			http.Error(w, "value too long", http.StatusRequestEntityTooLarge)
			return
		}
		n, err := a.StoreOpenTimeout(index, buf.String())
		if err != nil {
			writeAttrError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, strconv.Itoa(n)+"\n")
	})
	return mux
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "bad device index", http.StatusBadRequest)
		return 0, false
	}
	return index, true
}

func writeAttrError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, smdtty.ErrNoSuchDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, smdtty.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
