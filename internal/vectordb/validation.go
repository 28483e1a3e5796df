package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DimensionMismatchError is returned when embedding dimensions don't match collection dimensions
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d; check the embedding model or recreate the collection",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension)
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// ValidateEmbeddingDimensions checks the document collection against the
// configured embedding size. A zero expectation disables the check.
func (c *Client) ValidateEmbeddingDimensions(ctx context.Context) error {
	if !c.cfg.Enabled || c.cfg.ExpectedEmbeddingDim <= 0 {
		return nil
	}
	info, err := c.CollectionInfo(ctx)
	if err != nil {
		return fmt.Errorf("collection info: %w", err)
	}
	if info.VectorSize != c.cfg.ExpectedEmbeddingDim {
		return DimensionMismatchError{
			Collection:        info.Name,
			ExpectedDimension: c.cfg.ExpectedEmbeddingDim,
			ReceivedDimension: info.VectorSize,
		}
	}
	c.log.Info("Collection dimension validated",
		zap.String("collection", info.Name),
		zap.Int("dimension", info.VectorSize),
		zap.Int64("points", info.PointsCount))
	return nil
}

// CollectionInfo retrieves collection information from Qdrant
func (c *Client) CollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        c.cfg.Collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, nil
}
