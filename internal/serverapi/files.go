package serverapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"flowtest/internal/poll"
	"flowtest/pkg/logging"

	"github.com/dustin/go-humanize"
)

const filesTablesColumn = "Tables_in_files"

// UploadFile sends content as a CSV file datasource named name.
func (c *Client) UploadFile(ctx context.Context, name, filename string, content io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", "text/csv")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("failed to read upload content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	target := fmt.Sprintf("%s/files/%s", c.httpRoot, url.PathEscape(name))
	logging.Info("ServerAPI", "Uploading %s as file %s (%s)", filename, name, humanize.Bytes(uint64(body.Len())))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload of %s failed: HTTP %d: %s", name, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// UploadCSV encodes header and rows as CSV and uploads them as name.
func (c *Client) UploadCSV(ctx context.Context, name string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return c.UploadFile(ctx, name, name+".csv", &buf)
}

// AwaitFileDatasource waits until name is listed in the files database.
func (c *Client) AwaitFileDatasource(ctx context.Context, name string) error {
	spec := poll.Spec{Interval: c.fileInterval, Deadline: c.fileTimeout, Clock: c.clock}
	_, err := poll.Until(ctx, spec, func(ctx context.Context) (struct{}, error) {
		rs, err := c.q.Query(ctx, "USE files; SHOW tables;")
		if err != nil {
			return struct{}{}, err
		}
		if !rs.HasColumn(filesTablesColumn) {
			return struct{}{}, poll.NotReady("no %s column", filesTablesColumn)
		}
		if _, ok := rs.FirstRecordWhere(filesTablesColumn, name); !ok {
			return struct{}{}, poll.NotReady("%s not listed yet", name)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("file datasource %s is not ready to use: %w", name, err)
	}
	logging.Info("ServerAPI", "File datasource %s is ready", name)
	return nil
}

func escapeQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
