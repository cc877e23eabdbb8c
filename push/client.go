// Package push talks to the relay: account registration, prekey upload and fetch, message submission,
// attachment transfer and the websocket envelope pipe.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// AllDevices asks PreKeys for the bundles of every device of an account.
const AllDevices uint32 = 0

const maxBodySize = 64 << 20

type Client struct {
	config  *config.Config
	log     *zap.SugaredLogger
	http    *http.Client
	baseURL string

	tokenLock sync.RWMutex
	token     string
}

func NewClient(c *config.Config) *Client {
	return &Client{
		config:  c,
		log:     c.Logger("push"),
		http:    &http.Client{},
		baseURL: strings.TrimSuffix(c.ServiceURL, "/"),
	}
}

func (c *Client) SetToken(token string) {
	c.tokenLock.Lock()
	defer c.tokenLock.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.tokenLock.RLock()
	defer c.tokenLock.RUnlock()
	return c.token
}

func (c *Client) timeout() time.Duration {
	return time.Duration(c.config.RequestTimeoutMs) * time.Millisecond
}

// request performs one call and decodes a 2xx body into out when out is non-nil. Non-2xx statuses come back
// as the status code with the raw body so callers can map them.
func (c *Client) request(ctx context.Context, op, method, path string, in, out interface{}) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		b, err := bencode.Serialize(in)
		if err != nil {
			return 0, nil, fmt.Errorf("push: error encoding %s: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("Content-type", wire.ContentType)
	if token := c.bearer(); token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return 0, nil, &NetworkError{Op: op, Err: err}
	}
	c.log.Debugf("%s %s -> %d", method, path, res.StatusCode)
	if res.StatusCode/100 == 2 && out != nil && len(resBody) != 0 {
		if err := bencode.Deserialize(resBody, out); err != nil {
			return res.StatusCode, resBody, &NetworkError{Op: op, StatusCode: res.StatusCode, Err: err}
		}
	}
	return res.StatusCode, resBody, nil
}

// Register creates or refreshes the account device and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, name string, deviceID, registrationID uint32) (string, error) {
	out := &wire.RegistrationResponse{}
	status, _, err := c.request(ctx, "register", http.MethodPut, fmt.Sprintf("/v1/accounts/%s/%d", url.PathEscape(name), deviceID), &wire.Registration{RegistrationID: registrationID}, out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &NetworkError{Op: "register", StatusCode: status}
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

func (c *Client) SetPreKeys(ctx context.Context, state *wire.PreKeyState) error {
	status, _, err := c.request(ctx, "set prekeys", http.MethodPut, "/v1/keys", state, nil)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return &NetworkError{Op: "set prekeys", StatusCode: status}
	}
	return nil
}

// PreKeyCount reports how many one-time prekeys the relay still holds for this device.
func (c *Client) PreKeyCount(ctx context.Context) (int, error) {
	out := &wire.PreKeyCount{}
	status, _, err := c.request(ctx, "prekey count", http.MethodGet, "/v1/keys", nil, out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, &NetworkError{Op: "prekey count", StatusCode: status}
	}
	return int(out.Count), nil
}

func (c *Client) PreKeys(ctx context.Context, name string, deviceID uint32) ([]*wire.PreKeyBundle, error) {
	device := "*"
	if deviceID != AllDevices {
		device = fmt.Sprintf("%d", deviceID)
	}
	out := &wire.PreKeyResponse{}
	status, _, err := c.request(ctx, "get prekeys", http.MethodGet, fmt.Sprintf("/v1/keys/%s/%s", url.PathEscape(name), device), nil, out)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &UnregisteredUserError{Name: name}
	default:
		return nil, &NetworkError{Op: "get prekeys", StatusCode: status}
	}
	bundles := make([]*wire.PreKeyBundle, len(out.Devices))
	for i := range out.Devices {
		bundles[i] = &out.Devices[i]
	}
	return bundles, nil
}

// SubmitMessages posts one ciphertext per destination device.
func (c *Client) SubmitMessages(ctx context.Context, list *wire.OutgoingMessageList) error {
	status, body, err := c.request(ctx, "submit messages", http.MethodPut, fmt.Sprintf("/v1/messages/%s", url.PathEscape(list.Destination)), list, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return &UnregisteredUserError{Name: list.Destination}
	case http.StatusConflict:
		m := &wire.MismatchedDevices{}
		if err := bencode.Deserialize(body, m); err != nil {
			return &NetworkError{Op: "submit messages", StatusCode: status, Err: err}
		}
		return mismatched(list.Destination, m)
	case http.StatusGone:
		s := &wire.StaleDevices{}
		if err := bencode.Deserialize(body, s); err != nil {
			return &NetworkError{Op: "submit messages", StatusCode: status, Err: err}
		}
		return stale(list.Destination, s)
	default:
		return &NetworkError{Op: "submit messages", StatusCode: status}
	}
}

func (c *Client) UploadAttachment(ctx context.Context, data []byte) (string, error) {
	out := &wire.AttachmentResponse{}
	status, _, err := c.request(ctx, "upload attachment", http.MethodPut, "/v1/attachments", &data, out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &NetworkError{Op: "upload attachment", StatusCode: status}
	}
	return out.ID, nil
}

func (c *Client) DownloadAttachment(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	status, _, err := c.request(ctx, "download attachment", http.MethodGet, fmt.Sprintf("/v1/attachments/%s", url.PathEscape(id)), nil, &data)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &NetworkError{Op: "download attachment", StatusCode: status}
	}
	return data, nil
}

// Pipe is the live envelope stream for this device. Every envelope must be acked once it is stored.
type Pipe struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

func (c *Client) OpenPipe(ctx context.Context) (*Pipe, error) {
	u, err := url.Parse(c.baseURL + "/v1/websocket")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+c.bearer())
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, &NetworkError{Op: "open pipe", StatusCode: res.StatusCode, Err: err}
		}
		return nil, &NetworkError{Op: "open pipe", Err: err}
	}
	return &Pipe{conn: conn}, nil
}

func (p *Pipe) Read() (*wire.Envelope, error) {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return nil, &NetworkError{Op: "read pipe", Err: err}
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return wire.UnmarshalEnvelope(data)
	}
}

func (p *Pipe) Ack(guid string) error {
	b, err := bencode.Serialize(&wire.Ack{GUID: guid})
	if err != nil {
		return err
	}
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return &NetworkError{Op: "ack", Err: err}
	}
	return nil
}

func (p *Pipe) Close() error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	err := p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if cerr := p.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// IsRetryable reports whether err is a transport failure worth retrying later.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
