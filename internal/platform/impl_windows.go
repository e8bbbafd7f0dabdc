//go:build windows
// +build windows

package platform

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	gdi32                = windows.NewLazySystemDLL("gdi32.dll")
	procGetForegroundWin = user32.NewProc("GetForegroundWindow")
	procGetWindowTextW   = user32.NewProc("GetWindowTextW")
	procGetWindowThread  = user32.NewProc("GetWindowThreadProcessId")
	procGetSystemMetrics = user32.NewProc("GetSystemMetrics")
	procGetDC            = user32.NewProc("GetDC")
	procReleaseDC        = user32.NewProc("ReleaseDC")
	procCreateCompatDC   = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatBmp  = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject     = gdi32.NewProc("SelectObject")
	procBitBlt           = gdi32.NewProc("BitBlt")
	procGetDIBits        = gdi32.NewProc("GetDIBits")
	procDeleteObject     = gdi32.NewProc("DeleteObject")
	procDeleteDC         = gdi32.NewProc("DeleteDC")
)

const (
	smCxScreen   = 0
	smCyScreen   = 1
	srcCopy      = 0x00CC0020
	biRGB        = 0
	dibRGBColors = 0
)

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type windowsCapturer struct{}

func newWindowsCapturer() (Capturer, error) {
	return &windowsCapturer{}, nil
}

func (c *windowsCapturer) ActiveWindow() (*WindowInfo, error) {
	hwnd, _, _ := procGetForegroundWin.Call()
	if hwnd == 0 {
		return nil, ErrPermission
	}

	var buf [512]uint16
	procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	title := syscall.UTF16ToString(buf[:])

	var pid uint32
	procGetWindowThread.Call(hwnd, uintptr(unsafe.Pointer(&pid)))

	app := processName(pid)
	if app == "" {
		return nil, ErrPermission
	}

	return &WindowInfo{Application: app, Title: title}, nil
}

func processName(pid uint32) string {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(h)

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return ""
	}
	name := filepath.Base(syscall.UTF16ToString(buf[:size]))
	return strings.TrimSuffix(name, ".exe")
}

func (c *windowsCapturer) CaptureScreen() ([]byte, error) {
	width, _, _ := procGetSystemMetrics.Call(smCxScreen)
	height, _, _ := procGetSystemMetrics.Call(smCyScreen)
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("failed to query screen dimensions")
	}
	w, h := int(width), int(height)

	screenDC, _, _ := procGetDC.Call(0)
	if screenDC == 0 {
		return nil, fmt.Errorf("failed to acquire screen device context")
	}
	defer procReleaseDC.Call(0, screenDC)

	memDC, _, _ := procCreateCompatDC.Call(screenDC)
	if memDC == 0 {
		return nil, fmt.Errorf("failed to create memory device context")
	}
	defer procDeleteDC.Call(memDC)

	bmp, _, _ := procCreateCompatBmp.Call(screenDC, width, height)
	if bmp == 0 {
		return nil, fmt.Errorf("failed to create compatible bitmap")
	}
	defer procDeleteObject.Call(bmp)

	procSelectObject.Call(memDC, bmp)
	ok, _, _ := procBitBlt.Call(memDC, 0, 0, width, height, screenDC, 0, 0, srcCopy)
	if ok == 0 {
		return nil, fmt.Errorf("screen copy failed")
	}

	hdr := bitmapInfoHeader{
		Size:        uint32(unsafe.Sizeof(bitmapInfoHeader{})),
		Width:       int32(w),
		Height:      -int32(h), // top-down rows
		Planes:      1,
		BitCount:    32,
		Compression: biRGB,
	}
	pixels := make([]byte, w*h*4)
	rows, _, _ := procGetDIBits.Call(
		memDC, bmp, 0, uintptr(h),
		uintptr(unsafe.Pointer(&pixels[0])),
		uintptr(unsafe.Pointer(&hdr)),
		dibRGBColors,
	)
	if rows == 0 {
		return nil, fmt.Errorf("failed to read bitmap pixels")
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i+3 < len(pixels); i += 4 {
		// GDI returns BGRA
		img.Pix[i] = pixels[i+2]
		img.Pix[i+1] = pixels[i+1]
		img.Pix[i+2] = pixels[i]
		img.Pix[i+3] = 0xFF
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("failed to encode screenshot: %w", err)
	}
	return out.Bytes(), nil
}
