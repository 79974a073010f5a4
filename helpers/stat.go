package helpers

import (
	"io"
)

// Adder is satisfied by metric recorders.
type Adder interface {
	Add(name string, n int64)
}

type StatReader struct {
	R    io.Reader
	A    Adder
	Name string
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, a Adder, name string) io.Reader {
	return &StatReader{R: r, A: a, Name: name}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if n > 0 {
		sr.A.Add(sr.Name, int64(n))
	}
	return
}

type StatWriter struct {
	W    io.Writer
	A    Adder
	Name string
}

var _ io.Writer = &StatWriter{}

func NewStatWriter(w io.Writer, a Adder, name string) io.Writer {
	return &StatWriter{W: w, A: a, Name: name}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	if n > 0 {
		sw.A.Add(sw.Name, int64(n))
	}
	return
}
