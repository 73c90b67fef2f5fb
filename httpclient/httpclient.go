package httpclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	ErrStatusCodeMismatch  = fmt.Errorf("status code mismatch")
	ErrContentTypeMismatch = fmt.Errorf("content type mismatch")
	ErrTimeout             = fmt.Errorf("request timed out")
	ErrRejectedByServer    = fmt.Errorf("rejected by server")
)

const contentTypeJSON = "application/json"

// Options modify a single outgoing request.
type Options struct {
	BearerToken string
}

// MakeGet performs a GET request and decodes the JSON response body into out.
func MakeGet(timeout time.Duration, url string, out any, opts ...Options) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(url)
	req.Header.SetMethod("GET")
	applyOptions(req, opts)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := do(req, resp, timeout); err != nil {
		return err
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusNoContent:
		return nil
	default:
		return errors.Join(
			ErrStatusCodeMismatch,
			fmt.Errorf("expected status code %d but got %d", fasthttp.StatusOK, resp.StatusCode()))
	}

	return decodeJSON(resp, out)
}

// MakePost performs a POST request with the JSON encoded in body and decodes
// the JSON response into out.
func MakePost(timeout time.Duration, url string, in, out any, opts ...Options) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(url)
	req.Header.SetMethod("POST")
	req.Header.SetContentType(contentTypeJSON)
	applyOptions(req, opts)
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req.SetBody(raw)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := do(req, resp, timeout); err != nil {
		return err
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated, fasthttp.StatusAccepted:
	case fasthttp.StatusNoContent:
		return nil
	default:
		return errors.Join(
			ErrStatusCodeMismatch,
			fmt.Errorf("expected status code %d but got %d", fasthttp.StatusOK, resp.StatusCode()))
	}

	return decodeJSON(resp, out)
}

// MakePatch performs a PATCH request with the JSON encoded in body.
func MakePatch(timeout time.Duration, url string, in, out any, opts ...Options) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(url)
	req.Header.SetMethod("PATCH")
	req.Header.SetContentType(contentTypeJSON)
	applyOptions(req, opts)
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req.SetBody(raw)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := do(req, resp, timeout); err != nil {
		return err
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated, fasthttp.StatusAccepted, fasthttp.StatusNoContent:
		return nil
	default:
		return errors.Join(
			ErrStatusCodeMismatch,
			fmt.Errorf("expected status code %d but got %d", fasthttp.StatusOK, resp.StatusCode()))
	}
}

// MakePostForm performs a POST request with url-encoded form values and returns
// the raw response body together with the status code. Unlike the JSON helpers
// it does not treat non-2xx statuses as an error, the caller inspects both.
func MakePostForm(timeout time.Duration, uri string, form map[string]string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(uri)
	req.Header.SetMethod("POST")
	req.Header.SetContentType("application/x-www-form-urlencoded")
	values := make(url.Values, len(form))
	for k, v := range form {
		values.Set(k, v)
	}
	req.SetBodyString(values.Encode())

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := do(req, resp, timeout); err != nil {
		return 0, nil, err
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return resp.StatusCode(), body, nil
}

func do(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error {
	if err := fasthttp.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return errors.Join(ErrTimeout, err)
		}
		return err
	}
	return nil
}

func applyOptions(req *fasthttp.Request, opts []Options) {
	for _, o := range opts {
		if o.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+o.BearerToken)
		}
	}
}

func decodeJSON(resp *fasthttp.Response, out any) error {
	if out == nil {
		return nil
	}
	contentType := resp.Header.Peek("Content-Type")
	if bytes.Index(contentType, []byte(contentTypeJSON)) != 0 &&
		bytes.Index(contentType, []byte("application/hal+json")) != 0 {
		return errors.Join(
			ErrContentTypeMismatch,
			fmt.Errorf("expected content type application/json but got %s", contentType))
	}
	return json.Unmarshal(resp.Body(), out)
}
