//go:build windows

package psm

import (
	"golang.org/x/sys/windows"
)

var _ Device = (*winDevice)(nil)

type winDevice struct {
	h windows.Handle
}

// OpenDevice opens the control device for unbuffered, write-through access.
func OpenDevice(path string) (Device, error) {
	devPath, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(
		devPath,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_NO_BUFFERING|windows.FILE_FLAG_WRITE_THROUGH,
		0,
	)
	if err != nil {
		return nil, err
	}
	return &winDevice{h: h}, nil
}

func (d *winDevice) IoControl(code uint32, in, out []byte) (uint32, error) {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}
	var bytesReturned uint32
	err := windows.DeviceIoControl(
		d.h,
		code,
		inPtr,
		uint32(len(in)),
		outPtr,
		uint32(len(out)),
		&bytesReturned,
		nil,
	)
	return bytesReturned, err
}

func (d *winDevice) Close() error {
	return windows.CloseHandle(d.h)
}
