package cachestore

import (
	"net/http"
	"time"

	"github.com/zeebo/xxh3"
)

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash     uint64
}

func NewEntry(status int, header http.Header, body []byte, now time.Time) Entry {
	h := cloneHeader(header)
	h.Del("Content-Length")
	return Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: now.UnixNano(),
		Hash:     xxh3.Hash(body),
	}
}

func (e Entry) StoredTime() time.Time {
	return time.Unix(0, e.StoredAt).UTC()
}

// OK reports a 2xx status.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
