package embed

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/hurttlocker/quill/internal/journal"
)

// LocalConfig configures the on-device ONNX embedder.
type LocalConfig struct {
	ModelPath     string // sentence-transformer exported to ONNX (e.g. all-MiniLM-L6-v2)
	TokenizerPath string // matching tokenizer.json
	LibraryPath   string // onnxruntime shared library; empty = platform default
	Dimensions    int    // hidden size (default 384)
	MaxSeqLen     int    // tokens per text after truncation (default 256)
	BatchLimit    int
}

// LocalEmbedder runs a sentence-transformer model through onnxruntime and
// mean-pools the last hidden state.
type LocalEmbedder struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	tk      *tokenizer.Tokenizer
	cfg     LocalConfig
}

var ortInitOnce sync.Once
var ortInitErr error

// NewLocalEmbedder loads the tokenizer and model.
func NewLocalEmbedder(cfg LocalConfig) (*LocalEmbedder, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("local embedder needs model_path and tokenizer_path")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 256
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 16
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	ortInitOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", ortInitErr)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, nil)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", cfg.ModelPath, err)
	}

	return &LocalEmbedder{session: session, tk: tk, cfg: cfg}, nil
}

// Dimensions implements Embedder.
func (l *LocalEmbedder) Dimensions() int { return l.cfg.Dimensions }

// MaxBatch implements Embedder.
func (l *LocalEmbedder) MaxBatch() int { return l.cfg.BatchLimit }

// Close releases the ONNX session.
func (l *LocalEmbedder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Destroy()
	l.session = nil
	return err
}

// EmbedBatch implements Embedder.
func (l *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded := make([][]int, len(texts))
	seqLen := 1
	for i, t := range texts {
		en, err := l.tk.EncodeSingle(t, true)
		if err != nil {
			return nil, &journal.ProviderError{Kind: journal.ErrInvalidInput, Provider: "local", Msg: fmt.Sprintf("tokenizing text %d: %v", i, err)}
		}
		ids := en.Ids
		if len(ids) > l.cfg.MaxSeqLen {
			ids = ids[:l.cfg.MaxSeqLen]
		}
		encoded[i] = ids
		if len(ids) > seqLen {
			seqLen = len(ids)
		}
	}

	batch := len(texts)
	idData := make([]int64, batch*seqLen)
	maskData := make([]int64, batch*seqLen)
	typeData := make([]int64, batch*seqLen)
	for b, ids := range encoded {
		for j, id := range ids {
			idData[b*seqLen+j] = int64(id)
			maskData[b*seqLen+j] = 1
		}
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	idT, err := ort.NewTensor(shape, idData)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer idT.Destroy()
	maskT, err := ort.NewTensor(shape, maskData)
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typeT, err := ort.NewTensor(shape, typeData)
	if err != nil {
		return nil, fmt.Errorf("creating token_type_ids tensor: %w", err)
	}
	defer typeT.Destroy()

	dims := l.cfg.Dimensions
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(seqLen), int64(dims)))
	if err != nil {
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	defer out.Destroy()

	l.mu.Lock()
	if l.session == nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("local embedder is closed")
	}
	err = l.session.Run([]ort.Value{idT, maskT, typeT}, []ort.Value{out})
	l.mu.Unlock()
	if err != nil {
		return nil, &journal.ProviderError{Kind: journal.ErrTransientProvider, Provider: "local", Msg: err.Error()}
	}

	return meanPool(out.GetData(), maskData, batch, seqLen, dims), nil
}

// meanPool averages token vectors under the attention mask and
// L2-normalises the result.
func meanPool(hidden []float32, mask []int64, batch, seqLen, dims int) [][]float32 {
	result := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		vec := make([]float32, dims)
		var count float32
		for t := 0; t < seqLen; t++ {
			if mask[b*seqLen+t] == 0 {
				continue
			}
			count++
			base := (b*seqLen + t) * dims
			for d := 0; d < dims; d++ {
				vec[d] += hidden[base+d]
			}
		}
		var norm float64
		for d := range vec {
			if count > 0 {
				vec[d] /= count
			}
			norm += float64(vec[d]) * float64(vec[d])
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for d := range vec {
				vec[d] /= n
			}
		}
		result[b] = vec
	}
	return result
}
