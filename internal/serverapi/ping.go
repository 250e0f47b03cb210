package serverapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Ping checks the util/ping endpoint once.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpRoot+"/util/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}
