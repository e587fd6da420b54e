package receiver

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FSAPI node paths.
const (
	nodeVolume       = "netRemote.sys.audio.volume"
	nodeMute         = "netRemote.sys.audio.mute"
	nodePower        = "netRemote.sys.power"
	nodeMode         = "netRemote.sys.mode"
	nodeValidModes   = "netRemote.sys.caps.validModes"
	nodeFriendlyName = "netRemote.sys.info.friendlyName"

	statusOK = "FS_OK"

	maxListItems = 100
)

// Client creates FSAPI sessions with a Frontier Silicon based receiver.
type Client struct {
	host       string
	port       int
	pin        string
	httpClient *http.Client
}

// NewClient creates a new FSAPI client. Every request is bounded by timeout.
func NewClient(host string, port int, pin string, timeout time.Duration) *Client {
	if port == 0 {
		port = 80
	}
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		host: host,
		port: port,
		pin:  pin,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Address returns host:port of the receiver.
func (c *Client) Address() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// Connect fetches the device document and creates a new session.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	log.Info().Str("address", c.Address()).Msg("Connecting to receiver")

	base, err := c.discoverAPI(ctx)
	if err != nil {
		return nil, err
	}

	var resp fsapiResponse
	status, err := c.get(ctx, base+"/CREATE_SESSION?pin="+url.QueryEscape(c.pin), &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrConnection, err)
	}
	if status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: pin rejected", ErrConnection)
	}
	if status != http.StatusOK || resp.Status != statusOK || resp.SessionID == "" {
		return nil, fmt.Errorf("%w: create session: http %d, status %q", ErrConnection, status, resp.Status)
	}

	s := &fsapiSession{client: c, base: base, sid: resp.SessionID}

	name, err := s.FriendlyName(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read receiver name")
		name = c.Address()
	}
	log.Info().Str("name", name).Str("session", s.sid).Msg("Connected to receiver")

	return s, nil
}

// discoverAPI reads the device document and returns the webfsapi base URL.
func (c *Client) discoverAPI(ctx context.Context) (string, error) {
	var doc struct {
		FriendlyName string `xml:"friendlyName"`
		WebFSAPI     string `xml:"webfsapi"`
	}
	deviceURL := fmt.Sprintf("http://%s/device", c.Address())
	status, err := c.get(ctx, deviceURL, &doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: device document: http %d", ErrConnection, status)
	}
	if doc.WebFSAPI == "" {
		return fmt.Sprintf("http://%s/fsapi", c.Address()), nil
	}
	return strings.TrimSuffix(doc.WebFSAPI, "/"), nil
}

// get performs a GET and decodes an XML body on HTTP 200.
func (c *Client) get(ctx context.Context, rawURL string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

type fsapiResponse struct {
	Status    string      `xml:"status"`
	SessionID string      `xml:"sessionId"`
	Value     fsapiValue  `xml:"value"`
	Items     []fsapiItem `xml:"item"`
}

type fsapiValue struct {
	U8      *string `xml:"u8"`
	U16     *string `xml:"u16"`
	U32     *string `xml:"u32"`
	S32     *string `xml:"s32"`
	C8Array *string `xml:"c8_array"`
}

type fsapiItem struct {
	Key    int          `xml:"key,attr"`
	Fields []fsapiField `xml:"field"`
}

type fsapiField struct {
	Name  string `xml:"name,attr"`
	fsapiValue
}

func (i fsapiItem) field(name string) string {
	for _, f := range i.Fields {
		if f.Name != name {
			continue
		}
		if f.C8Array != nil {
			return *f.C8Array
		}
		if f.U8 != nil {
			return *f.U8
		}
	}
	return ""
}

// modeItem is one entry of the receiver's valid mode list.
type modeItem struct {
	Key   int
	ID    string
	Label string
}

// fsapiSession is a live FSAPI session. It is used by a single goroutine.
type fsapiSession struct {
	client *Client
	base   string
	sid    string
	modes  []modeItem
}

func (s *fsapiSession) query() string {
	return "pin=" + url.QueryEscape(s.client.pin) + "&sid=" + url.QueryEscape(s.sid)
}

func (s *fsapiSession) call(ctx context.Context, rawURL string) (*fsapiResponse, error) {
	var resp fsapiResponse
	status, err := s.client.get(ctx, rawURL, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: session expired", ErrConnection)
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: pin rejected", ErrConnection)
	default:
		return nil, fmt.Errorf("%w: http %d", ErrConnection, status)
	}
	if resp.Status != statusOK {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidState, resp.Status)
	}
	return &resp, nil
}

func (s *fsapiSession) getNode(ctx context.Context, node string) (fsapiValue, error) {
	resp, err := s.call(ctx, fmt.Sprintf("%s/GET/%s?%s", s.base, node, s.query()))
	if err != nil {
		return fsapiValue{}, fmt.Errorf("get %s: %w", node, err)
	}
	return resp.Value, nil
}

func (s *fsapiSession) setNode(ctx context.Context, node, value string) error {
	_, err := s.call(ctx, fmt.Sprintf("%s/SET/%s?%s&value=%s", s.base, node, s.query(), url.QueryEscape(value)))
	if err != nil {
		return fmt.Errorf("set %s: %w", node, err)
	}
	return nil
}

func (s *fsapiSession) getInt(ctx context.Context, node string) (int, error) {
	v, err := s.getNode(ctx, node)
	if err != nil {
		return 0, err
	}
	var raw *string
	switch {
	case v.U8 != nil:
		raw = v.U8
	case v.U16 != nil:
		raw = v.U16
	case v.U32 != nil:
		raw = v.U32
	case v.S32 != nil:
		raw = v.S32
	default:
		return 0, fmt.Errorf("%w: %s is not numeric", ErrInvalidState, node)
	}
	n, err := strconv.Atoi(strings.TrimSpace(*raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidState, node, err)
	}
	return n, nil
}

func (s *fsapiSession) getBool(ctx context.Context, node string) (bool, error) {
	v, err := s.getNode(ctx, node)
	if err != nil {
		return false, err
	}
	if v.U8 == nil {
		return false, fmt.Errorf("%w: %s is not a flag", ErrInvalidState, node)
	}
	switch strings.TrimSpace(*v.U8) {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%w: %s = %q", ErrInvalidState, node, *v.U8)
}

func (s *fsapiSession) getString(ctx context.Context, node string) (string, error) {
	v, err := s.getNode(ctx, node)
	if err != nil {
		return "", err
	}
	if v.C8Array == nil {
		return "", fmt.Errorf("%w: %s is not text", ErrInvalidState, node)
	}
	return *v.C8Array, nil
}

func boolValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *fsapiSession) FriendlyName(ctx context.Context) (string, error) {
	return s.getString(ctx, nodeFriendlyName)
}

func (s *fsapiSession) Volume(ctx context.Context) (int, error) {
	return s.getInt(ctx, nodeVolume)
}

func (s *fsapiSession) Power(ctx context.Context) (bool, error) {
	return s.getBool(ctx, nodePower)
}

func (s *fsapiSession) Mute(ctx context.Context) (bool, error) {
	return s.getBool(ctx, nodeMute)
}

// Mode returns the label of the active mode, e.g. "AUX in".
func (s *fsapiSession) Mode(ctx context.Context) (string, error) {
	key, err := s.getInt(ctx, nodeMode)
	if err != nil {
		return "", err
	}
	modes, err := s.validModes(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range modes {
		if m.Key == key {
			return m.Label, nil
		}
	}
	return "", fmt.Errorf("%w: unknown mode key %d", ErrInvalidState, key)
}

func (s *fsapiSession) SetVolume(ctx context.Context, volume int) error {
	return s.setNode(ctx, nodeVolume, strconv.Itoa(volume))
}

func (s *fsapiSession) SetPower(ctx context.Context, on bool) error {
	return s.setNode(ctx, nodePower, boolValue(on))
}

func (s *fsapiSession) SetMute(ctx context.Context, muted bool) error {
	return s.setNode(ctx, nodeMute, boolValue(muted))
}

// SetMode selects a mode by label or id.
func (s *fsapiSession) SetMode(ctx context.Context, mode string) error {
	modes, err := s.validModes(ctx)
	if err != nil {
		return err
	}
	for _, m := range modes {
		if strings.EqualFold(m.Label, mode) || strings.EqualFold(m.ID, mode) {
			return s.setNode(ctx, nodeMode, strconv.Itoa(m.Key))
		}
	}
	return fmt.Errorf("mode %q not supported by receiver", mode)
}

// validModes lists the receiver's modes once per session.
func (s *fsapiSession) validModes(ctx context.Context) ([]modeItem, error) {
	if len(s.modes) > 0 {
		return s.modes, nil
	}

	resp, err := s.call(ctx, fmt.Sprintf("%s/LIST_GET_NEXT/%s/-1?%s&maxItems=%d", s.base, nodeValidModes, s.query(), maxListItems))
	if err != nil {
		return nil, fmt.Errorf("list modes: %w", err)
	}

	modes := make([]modeItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		modes = append(modes, modeItem{
			Key:   item.Key,
			ID:    item.field("id"),
			Label: item.field("label"),
		})
	}
	if len(modes) == 0 {
		return nil, fmt.Errorf("%w: receiver reported no modes", ErrInvalidState)
	}

	s.modes = modes
	return modes, nil
}
