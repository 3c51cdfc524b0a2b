package cas

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
)

const (
	methodByteStreamRead  = "/google.bytestream.ByteStream/Read"
	methodByteStreamWrite = "/google.bytestream.ByteStream/Write"

	// byteStreamChunkSize bounds a single Write request's payload, matching
	// the gRPC message-size headroom the teacher's grpcutil constants left
	// for IPC traffic.
	byteStreamChunkSize = 1024 * 1024
)

type byteStreamReadRequest struct {
	ResourceName string
	ReadOffset   int64
	ReadLimit    int64
}

type byteStreamReadResponse struct {
	Data []byte
}

type byteStreamWriteRequest struct {
	ResourceName string
	WriteOffset  int64
	FinishWrite  bool
	Data         []byte
}

type byteStreamWriteResponse struct {
	CommittedSize int64
}

// streamReader adapts a server-streaming ByteStream.Read call to io.ReadCloser.
type streamReader struct {
	stream grpc.ClientStream
	buf    []byte
}

func newByteStreamReader(ctx context.Context, conn *grpc.ClientConn, resourceName string) (io.ReadCloser, error) {
	desc := &grpc.StreamDesc{StreamName: "Read", ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, methodByteStreamRead, grpc.CallContentSubtype(jsonCodec{}.Name()))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&byteStreamReadRequest{ResourceName: resourceName}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &streamReader{stream: stream}, nil
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		var resp byteStreamReadResponse
		if err := r.stream.RecvMsg(&resp); err != nil {
			return 0, err
		}
		r.buf = resp.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *streamReader) Close() error {
	return nil
}

// sendByteStream uploads data in byteStreamChunkSize pieces over a
// client-streaming ByteStream.Write call.
func sendByteStream(ctx context.Context, conn *grpc.ClientConn, resourceName string, size int64, data io.Reader) error {
	desc := &grpc.StreamDesc{StreamName: "Write", ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, methodByteStreamWrite, grpc.CallContentSubtype(jsonCodec{}.Name()))
	if err != nil {
		return err
	}

	chunk := make([]byte, byteStreamChunkSize)
	var offset int64
	for {
		n, readErr := data.Read(chunk)
		if n > 0 {
			finished := offset+int64(n) >= size
			if err := stream.SendMsg(&byteStreamWriteRequest{
				ResourceName: resourceName,
				WriteOffset:  offset,
				FinishWrite:  finished,
				Data:         append([]byte(nil), chunk[:n]...),
			}); err != nil {
				return err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := stream.CloseSend(); err != nil {
		return err
	}
	var resp byteStreamWriteResponse
	if err := stream.RecvMsg(&resp); err != nil && err != io.EOF {
		return err
	}
	if resp.CommittedSize != 0 && resp.CommittedSize != size {
		return fmt.Errorf("upload committed %d bytes, expected %d", resp.CommittedSize, size)
	}
	return nil
}
