package notify

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CheckResponse drains and closes resp.Body, returning an error for non-2xx
// statuses that includes the response text. name prefixes error messages.
func CheckResponse(name string, resp *http.Response) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return fmt.Errorf("drain %s response body: %w", name, err)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.Join(
			fmt.Errorf("%s %s", name, resp.Status),
			fmt.Errorf("read %s error response: %w", name, err),
		)
	}
	return fmt.Errorf("%s %s: %s", name, resp.Status, strings.TrimSpace(string(body)))
}
