package grpcapi

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// WithVerifier requires bearer tokens on every stream.
func WithVerifier(verifier TokenVerifier) Option {
	return func(s *Service) {
		if verifier != nil {
			s.verifier = verifier
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service implements SessionSyncServer on top of the session engine.
type Service struct {
	engine   Engine
	verifier TokenVerifier
	logger   *logging.Logger
}

// NewService wires the gRPC service to the engine and optional settings.
func NewService(engine Engine, opts ...Option) *Service {
	service := &Service{engine: engine, logger: logging.L().Named("grpc")}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// streamTransport adapts a server stream to the engine's outbound transport.
type streamTransport struct {
	stream     ConnectStream
	compressor Compressor

	mu     sync.Mutex
	closed bool

	once sync.Once
	done chan struct{}
}

func newStreamTransport(stream ConnectStream, compressor Compressor) *streamTransport {
	return &streamTransport{stream: stream, compressor: compressor, done: make(chan struct{})}
}

// Send compresses and writes one frame. gRPC forbids concurrent SendMsg calls.
func (t *streamTransport) Send(frame []byte) error {
	payload, err := t.compressor.Compress(frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	return t.stream.Send(wrapperspb.Bytes(payload))
}

// Close ends the stream once the handler observes done.
func (t *streamTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

// Connect attaches the caller to a session and relays frames until either side leaves.
func (s *Service) Connect(stream ConnectStream) error {
	if s == nil || s.engine == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	participantID, err := participantFromContext(ctx, s.verifier)
	if err != nil {
		return err
	}
	md, _ := metadata.FromIncomingContext(ctx)
	sessionID := firstValue(md, SessionIDKey)
	if sessionID == "" {
		return status.Error(codes.InvalidArgument, SessionIDKey+" metadata is required")
	}
	compressor, err := CompressorFor(firstValue(md, EncodingKey))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	var attachOpts []session.AttachOption
	if raw := firstValue(md, ResumeKey); raw != "" {
		revision, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%s must be a revision number", ResumeKey)
		}
		attachOpts = append(attachOpts, session.ResumeFrom(revision))
	}
	logger := s.logger.With(logging.String("session_id", sessionID), logging.String("participant_id", participantID))

	//1.- Attach first so the opening frames reconcile the client.
	transport := newStreamTransport(stream, compressor)
	plan, err := s.engine.Attach(ctx, sessionID, participantID, transport, attachOpts...)
	if err != nil {
		return StatusFor(err)
	}
	logger.Info("grpc stream attached", logging.String("mode", plan.Mode.String()), logging.Uint64("gap", plan.Gap()))
	defer func() {
		s.engine.Detach(sessionID, participantID, transport)
		_ = transport.Close()
	}()

	//2.- Receive on a separate goroutine so an engine-side close ends the stream promptly.
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.receive(ctx, stream, compressor, sessionID, participantID, logger)
	}()

	select {
	case err := <-recvErr:
		return err
	case <-transport.done:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return status.Error(codes.Canceled, "stream cancelled")
		}
		return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
	}
}

func (s *Service) receive(ctx context.Context, stream ConnectStream, compressor Compressor, sessionID, participantID string, logger *logging.Logger) error {
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := compressor.Decompress(frame.GetValue())
		if err != nil {
			logger.Debug("grpc frame undecodable", logging.Error(err))
			payload = frame.GetValue()
		}
		if err := s.engine.HandleFrame(ctx, sessionID, participantID, payload); err != nil {
			if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrSessionNotFound) {
				return StatusFor(err)
			}
			logger.Debug("grpc frame rejected", logging.String("code", string(session.CodeOf(err))))
		}
	}
}

// StatusFor maps an engine error onto a gRPC status.
func StatusFor(err error) error {
	if err == nil {
		return nil
	}
	code := session.CodeOf(err)
	message := err.Error()
	var typed *session.Error
	if errors.As(err, &typed) && typed.Message != "" {
		message = typed.Message
	}
	return status.Error(grpcCode(code), string(code)+": "+message)
}

func grpcCode(code session.Code) codes.Code {
	switch code {
	case session.CodeCapacityInvalid, session.CodeInvalidOperation:
		return codes.InvalidArgument
	case session.CodeUnauthorized:
		return codes.Unauthenticated
	case session.CodeNotHost:
		return codes.PermissionDenied
	case session.CodeSessionNotFound:
		return codes.NotFound
	case session.CodeSessionFull:
		return codes.ResourceExhausted
	case session.CodeSessionAlreadyActive, session.CodeInsufficientPlayers, session.CodeSessionEnded:
		return codes.FailedPrecondition
	case session.CodeStaleOperation, session.CodeTooManyConflicts:
		return codes.Aborted
	case session.CodeTimeout:
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

var _ SessionSyncServer = (*Service)(nil)
