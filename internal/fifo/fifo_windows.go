//go:build windows

package fifo

import "os"

func mkfifo(path string) error {
	return ErrUnsupported
}

func openReader(path string) (*os.File, error) {
	return nil, ErrUnsupported
}
