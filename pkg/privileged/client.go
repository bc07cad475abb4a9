package privileged

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// Client implements pipeline.SysClientComponent: a newline-delimited
// JSON request/response over a Unix domain socket, ported from
// core/system_client.py. The gateway process has no per-end-user
// identity on the daemon side, so requests are sent as userID, the
// gateway's own runtime instance id, matching how the daemon's peer-UID
// allowlist authorizes the connection rather than the request body.
type Client struct {
	socketPath     string
	timeout        time.Duration
	requestingUser string
}

func NewClient(socketPath string, timeoutSeconds float64, requestingUser string) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	if requestingUser == "" {
		requestingUser = "gateway"
	}
	return &Client{
		socketPath:     socketPath,
		timeout:        time.Duration(timeoutSeconds * float64(time.Second)),
		requestingUser: requestingUser,
	}
}

var _ pipeline.SysClientComponent = (*Client)(nil)

type clientRequest struct {
	UserID string                 `json:"user_id"`
	Action map[string]interface{} `json:"action"`
	Grant  string                 `json:"grant,omitempty"`
}

// Execute sends {op, ...args} as the action payload. If args carries a
// "grant" string key, it is lifted out and sent as the request's
// top-level grant token rather than inside the action body.
func (c *Client) Execute(ctx context.Context, op string, args map[string]interface{}) (map[string]interface{}, error) {
	action := map[string]interface{}{"op": op}
	var grant string
	for k, v := range args {
		if k == "grant" {
			if s, ok := v.(string); ok {
				grant = s
			}
			continue
		}
		action[k] = v
	}

	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "unix", c.socketPath)
	if err != nil {
		return map[string]interface{}{"ok": false, "reason": fmt.Sprintf("connect_failed:%v", err)}, nil
	}
	defer conn.Close()

	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := clientRequest{UserID: c.requestingUser, Action: action, Grant: grant}
	wire, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("system_client: marshal request: %w", err)
	}
	wire = append(wire, '\n')
	if _, err := conn.Write(wire); err != nil {
		return map[string]interface{}{"ok": false, "reason": fmt.Sprintf("request_failed:%v", err)}, nil
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return map[string]interface{}{"ok": false, "reason": fmt.Sprintf("request_failed:%v", err)}, nil
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(line, &resp); err != nil {
		return map[string]interface{}{"ok": false, "reason": fmt.Sprintf("response_decode_failed:%v", err)}, nil
	}
	return resp, nil
}
