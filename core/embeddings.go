package core

import (
	"context"
	"os"
	"time"

	embedLib "github.com/fabiustech/openai"
	embedModelLib "github.com/fabiustech/openai/models"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/util"
)

// embedChunkTokens is the largest text, in tokens, sent to the
// embeddings API in one request.
const embedChunkTokens = 8191

// XXX using only OpenAI for embedding -- need to support more providers

// OpenAIEmbedder generates embeddings through the OpenAI embeddings
// API.  It implements the Embedder interface.
type OpenAIEmbedder struct {
	client *embedLib.Client
}

// NewOpenAIEmbedder creates an embedder using the OPENAI_API_KEY
// environment variable for auth.
func NewOpenAIEmbedder() *OpenAIEmbedder {
	authtoken := os.Getenv("OPENAI_API_KEY")
	return &OpenAIEmbedder{client: embedLib.NewClient(authtoken)}
}

// EmbedText returns the embedding for a text.  Empty text embeds to
// nil.  Transient API errors are retried with a linear backoff.
func (e *OpenAIEmbedder) EmbedText(text string) (embedding []float64, err error) {
	defer Return(&err)
	if len(text) == 0 {
		return
	}
	req := &embedLib.EmbeddingRequest{
		Input: []string{text},
		Model: embedModelLib.AdaEmbeddingV2,
	}
	// loop with backoff until we get a response
	var res *embedLib.EmbeddingResponse
	for backoff := 1; backoff < 10; backoff++ {
		res, err = e.client.CreateEmbeddings(context.Background(), req)
		if err == nil {
			break
		}
		Pf("openai API error, retrying: %#v", err)
		// wait and try again
		time.Sleep(time.Second * time.Duration(backoff))
	}
	Ck(err, "%T: %#v", err, err)
	for _, em := range res.Data {
		embedding = em.Embedding
	}
	return
}

// EmbedTextMean returns the embedding for a text of any length.  Text
// over the embeddings API input limit is split into chunks and the
// result is the mean vector of the chunk embeddings.
func (rsv *Reservoir) EmbedTextMean(text string) (embedding []float64, err error) {
	defer Return(&err)
	chunks, err := splitByTokens(text, embedChunkTokens)
	Ck(err)
	if len(chunks) <= 1 {
		embedding, err = rsv.embedder.EmbedText(text)
		Ck(err)
		return
	}
	var embeddings [][]float64
	for _, chunk := range chunks {
		var vec []float64
		vec, err = rsv.embedder.EmbedText(chunk)
		Ck(err)
		embeddings = append(embeddings, vec)
	}
	embedding = util.MeanVector(embeddings)
	return
}
