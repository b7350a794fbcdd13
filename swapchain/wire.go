package swapchain

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xrbridge/xrbridge/transport"
)

// txSender is the subset of *transport.Transport the Swapchain Mirror
// drives. Narrowing it to an interface keeps client.go/server.go testable
// against a stub transport instead of a live stream pair.
type txSender interface {
	StartMessage(header uint16) (*transport.MessageLockOut, error)
	AwaitMessage(header uint16) (*transport.MessageLockIn, error)
	RegisterHandler(header uint16, fn transport.Handler)
	UnregisterHandler(header uint16)
}

// createSwapchainRequest is CREATE_SWAPCHAIN's payload: a swapchain
// creation request's parameters minus the graphics binding, which never
// crosses the wire.
type createSwapchainRequest struct {
	SessionID     string
	Width, Height uint32
	ImageType     uint32
	IsStatic      bool
}

func (r createSwapchainRequest) encode(w io.Writer) error {
	var head [15]byte
	binary.LittleEndian.PutUint16(head[0:2], uint16(len(r.SessionID)))
	binary.LittleEndian.PutUint32(head[2:6], r.Width)
	binary.LittleEndian.PutUint32(head[6:10], r.Height)
	binary.LittleEndian.PutUint32(head[10:14], r.ImageType)
	if r.IsStatic {
		head[14] = 1
	}
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, r.SessionID)
	return err
}

func decodeCreateSwapchainRequest(r io.Reader) (createSwapchainRequest, error) {
	var head [15]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return createSwapchainRequest{}, err
	}
	idLen := binary.LittleEndian.Uint16(head[0:2])
	req := createSwapchainRequest{
		Width:     binary.LittleEndian.Uint32(head[2:6]),
		Height:    binary.LittleEndian.Uint32(head[6:10]),
		ImageType: binary.LittleEndian.Uint32(head[10:14]),
		IsStatic:  head[14] != 0,
	}
	if idLen > 0 {
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return createSwapchainRequest{}, err
		}
		req.SessionID = string(idBuf)
	}
	return req, nil
}

// createSwapchainResponse is CREATE_SWAPCHAIN_RETURN's payload: the new
// swapchain id, the image count, and the dedicated memory layout the
// client needs to import each of the count handle triples that follow
// over HX. Handles themselves only ever cross the wire via HX, never
// inline in a Transport payload.
type createSwapchainResponse struct {
	Result        int32
	SwapchainID   uint64
	Count         uint32
	MemorySize    uint64
	MemoryTypeIdx uint32
}

func (r createSwapchainResponse) encode(w io.Writer) error {
	var buf [28]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Result))
	binary.LittleEndian.PutUint64(buf[4:12], r.SwapchainID)
	binary.LittleEndian.PutUint32(buf[12:16], r.Count)
	binary.LittleEndian.PutUint64(buf[16:24], r.MemorySize)
	binary.LittleEndian.PutUint32(buf[24:28], r.MemoryTypeIdx)
	_, err := w.Write(buf[:])
	return err
}

func decodeCreateSwapchainResponse(r io.Reader) (createSwapchainResponse, error) {
	var buf [28]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return createSwapchainResponse{}, err
	}
	return createSwapchainResponse{
		Result:        int32(binary.LittleEndian.Uint32(buf[0:4])),
		SwapchainID:   binary.LittleEndian.Uint64(buf[4:12]),
		Count:         binary.LittleEndian.Uint32(buf[12:16]),
		MemorySize:    binary.LittleEndian.Uint64(buf[16:24]),
		MemoryTypeIdx: binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

// releaseImageRequest is RELEASE_IMAGE's payload: which image in the ring
// the client just released, so the server can run its copy pass against
// the matching server-side slot.
type releaseImageRequest struct {
	SwapchainID uint64
	ImageIndex  uint32
}

func (r releaseImageRequest) encode(w io.Writer) error {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.SwapchainID)
	binary.LittleEndian.PutUint32(buf[8:12], r.ImageIndex)
	_, err := w.Write(buf[:])
	return err
}

func decodeReleaseImageRequest(r io.Reader) (releaseImageRequest, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return releaseImageRequest{}, err
	}
	return releaseImageRequest{
		SwapchainID: binary.LittleEndian.Uint64(buf[0:8]),
		ImageIndex:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

type releaseImageResponse struct {
	Result int32
}

func (r releaseImageResponse) encode(w io.Writer) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Result))
	_, err := w.Write(buf[:])
	return err
}

func decodeReleaseImageResponse(r io.Reader) (releaseImageResponse, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return releaseImageResponse{}, err
	}
	return releaseImageResponse{Result: int32(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

type destroySwapchainRequest struct {
	SwapchainID uint64
}

func (r destroySwapchainRequest) encode(w io.Writer) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.SwapchainID)
	_, err := w.Write(buf[:])
	return err
}

func decodeDestroySwapchainRequest(r io.Reader) (destroySwapchainRequest, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return destroySwapchainRequest{}, err
	}
	return destroySwapchainRequest{SwapchainID: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

type destroySwapchainResponse struct {
	Result int32
}

func (r destroySwapchainResponse) encode(w io.Writer) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Result))
	_, err := w.Write(buf[:])
	return err
}

func decodeDestroySwapchainResponse(r io.Reader) (destroySwapchainResponse, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return destroySwapchainResponse{}, err
	}
	return destroySwapchainResponse{Result: int32(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

func resultError(result int32, op string) error {
	if result == 0 {
		return nil
	}
	return fmt.Errorf("swapchain: %s failed with runtime result %d", op, result)
}
