package providers

import (
	"io"
	"net/http"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/pkg/errors"
)

func statusError(resp *http.Response) error {
	if resp == nil {
		return &model.UpstreamError{Err: errors.New("empty http response")}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &model.UpstreamError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}
}
