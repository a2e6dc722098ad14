package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"podscribe/transcriber/models"
)

// ServiceName is the fully qualified gRPC service exposed by the GPU model worker.
// Every request and response is a google.protobuf.Struct.
const ServiceName = "modelworker.v1.ModelWorker"

const (
	MethodLoadModel   = "/" + ServiceName + "/LoadModel"
	MethodUnloadModel = "/" + ServiceName + "/UnloadModel"
	MethodTranscribe  = "/" + ServiceName + "/Transcribe"
	MethodAlign       = "/" + ServiceName + "/Align"
	MethodDiarize     = "/" + ServiceName + "/Diarize"
)

// Model kinds understood by LoadModel.
const (
	KindTranscription = "transcription"
	KindAlignment     = "alignment"
	KindDiarization   = "diarization"
)

const defaultReleaseTimeout = 30 * time.Second

// ModelSpec describes a model to load onto the worker's device.
type ModelSpec struct {
	Kind        string `json:"kind"`
	Name        string `json:"name,omitempty"`
	Language    string `json:"language,omitempty"`
	Device      string `json:"device,omitempty"`
	ComputeType string `json:"compute_type,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
}

// AIClient wraps the gRPC connection to the model worker.
type AIClient struct {
	conn           *grpc.ClientConn
	logger         logrus.FieldLogger
	releaseTimeout time.Duration
}

// NewAIClient creates a client for the model worker at serverAddr.
// The connection is established lazily on first use.
func NewAIClient(serverAddr string, logger logrus.FieldLogger, opts ...grpc.DialOption) (*AIClient, error) {
	if serverAddr == "" {
		return nil, errors.New("aiclient: server address is required")
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(serverAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("aiclient: connect %s: %w", serverAddr, err)
	}
	logger.WithField("addr", serverAddr).Info("Model worker client created")
	return &AIClient{conn: conn, logger: logger, releaseTimeout: defaultReleaseTimeout}, nil
}

// Close closes the gRPC connection to the model worker.
func (c *AIClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Acquire loads a model on the worker and returns a lease on its device memory.
// Callers must Release the lease; the usual shape is
//
//	lease, err := client.Acquire(ctx, spec)
//	if err != nil { ... }
//	defer lease.Release()
func (c *AIClient) Acquire(ctx context.Context, spec ModelSpec) (*Lease, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	if err := c.invoke(ctx, MethodLoadModel, spec, &out); err != nil {
		return nil, fmt.Errorf("load %s model: %w", spec.Kind, err)
	}
	if out.Handle == "" {
		return nil, fmt.Errorf("load %s model: worker returned no handle", spec.Kind)
	}
	c.logger.WithFields(logrus.Fields{"kind": spec.Kind, "model": spec.Name, "handle": out.Handle}).Debug("Model loaded")
	return &Lease{client: c, handle: out.Handle, spec: spec}, nil
}

func (c *AIClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	req, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Lease is a model resident in device memory. Release frees it exactly once.
type Lease struct {
	client *AIClient
	handle string
	spec   ModelSpec

	once       sync.Once
	releaseErr error
}

// Handle returns the worker-side model handle.
func (l *Lease) Handle() string { return l.handle }

// Release unloads the model. It uses its own bounded context so the device memory is
// returned even when the job context has already been cancelled.
func (l *Lease) Release() error {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.client.releaseTimeout)
		defer cancel()
		l.releaseErr = l.client.invoke(ctx, MethodUnloadModel, map[string]string{"handle": l.handle}, nil)
		entry := l.client.logger.WithFields(logrus.Fields{"kind": l.spec.Kind, "handle": l.handle})
		if l.releaseErr != nil {
			entry.WithError(l.releaseErr).Warn("Model unload failed")
			return
		}
		entry.Debug("Model unloaded")
	})
	return l.releaseErr
}

type transcribeRequest struct {
	Handle    string `json:"handle"`
	AudioPath string `json:"audio_path"`
	BatchSize int    `json:"batch_size"`
}

// Transcribe runs speech-to-text on the audio file.
func (l *Lease) Transcribe(ctx context.Context, audioPath string, batchSize int) (models.TranscriptionResult, error) {
	var result models.TranscriptionResult
	req := transcribeRequest{Handle: l.handle, AudioPath: audioPath, BatchSize: batchSize}
	if err := l.client.invoke(ctx, MethodTranscribe, req, &result); err != nil {
		return models.TranscriptionResult{}, err
	}
	return result, nil
}

type alignRequest struct {
	Handle               string           `json:"handle"`
	AudioPath            string           `json:"audio_path"`
	Language             string           `json:"language"`
	Segments             []models.Segment `json:"segments"`
	ReturnCharAlignments bool             `json:"return_char_alignments"`
}

type segmentsResponse struct {
	Segments []models.Segment `json:"segments"`
}

// Align refines segment timestamps to word level.
func (l *Lease) Align(ctx context.Context, audioPath string, segments []models.Segment, language string) ([]models.Segment, error) {
	var out segmentsResponse
	req := alignRequest{Handle: l.handle, AudioPath: audioPath, Language: language, Segments: segments}
	if err := l.client.invoke(ctx, MethodAlign, req, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

type diarizeRequest struct {
	Handle    string           `json:"handle"`
	AudioPath string           `json:"audio_path"`
	Segments  []models.Segment `json:"segments"`
}

// Diarize assigns speaker labels to segments and words.
func (l *Lease) Diarize(ctx context.Context, audioPath string, segments []models.Segment) ([]models.Segment, error) {
	var out segmentsResponse
	req := diarizeRequest{Handle: l.handle, AudioPath: audioPath, Segments: segments}
	if err := l.client.invoke(ctx, MethodDiarize, req, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
