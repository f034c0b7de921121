package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gogogo1024/ocppgate/ocpp16"
	"github.com/gogogo1024/ocppgate/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientConfig struct {
	addr     string
	action   string
	flagsHex string
	payload  string
	uniqueID string
	session  bool
	serial   string
	idTag    string
	timeout  time.Duration
}

func run(args []string, out io.Writer) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	flags, err := parseFrameFlags(cfg.flagsHex)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", cfg.addr, cfg.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	cp := &chargePoint{conn: conn, flags: flags, timeout: cfg.timeout, out: out}
	if cfg.session {
		return cp.runSession(cfg.serial, cfg.idTag)
	}

	action, err := protocol.ParseAction(cfg.action)
	if err != nil {
		return err
	}
	if !json.Valid([]byte(cfg.payload)) {
		return fmt.Errorf("payload is not valid JSON: %s", cfg.payload)
	}
	req := &protocol.Message{
		Type:     protocol.TypeCall,
		UniqueID: cfg.uniqueID,
		Action:   action,
		Payload:  json.RawMessage(cfg.payload),
	}
	if req.UniqueID == "" {
		req.UniqueID = uuid.NewString()
	}
	_, err = cp.send(req)
	return err
}

func parseFlags(args []string) (clientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var cfg clientConfig
	fs.StringVar(&cfg.addr, "addr", "127.0.0.1:9000", "central system address")
	fs.StringVar(&cfg.action, "action", string(protocol.ActionHeartbeat), "OCPP action to call")
	fs.StringVar(&cfg.flagsHex, "flags", "0x00", "frame flags in hex, e.g. 0x01 for gzip, 0x04 for one-way")
	fs.StringVar(&cfg.payload, "payload", "{}", "CALL payload as a JSON object")
	fs.StringVar(&cfg.uniqueID, "id", "", "message unique id (random when empty)")
	fs.BoolVar(&cfg.session, "session", false, "simulate a full charging session instead of a single call")
	fs.StringVar(&cfg.serial, "serial", "SIM-0001", "charge box serial number used by -session")
	fs.StringVar(&cfg.idTag, "tag", "SIM-TAG", "id tag used by -session")
	fs.DurationVar(&cfg.timeout, "timeout", 3*time.Second, "dial and response timeout")
	if err := fs.Parse(args); err != nil {
		return clientConfig{}, err
	}
	return cfg, nil
}

func parseFrameFlags(flagsHex string) (uint8, error) {
	v, err := strconv.ParseUint(flagsHex, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid frame flags %q: %w", flagsHex, err)
	}
	flags := uint8(v)
	if err := protocol.ValidateFlags(flags); err != nil {
		return 0, err
	}
	return flags, nil
}

// chargePoint is a minimal simulated charge point on one connection.
type chargePoint struct {
	conn    net.Conn
	flags   uint8
	timeout time.Duration
	out     io.Writer
	buf     []byte
}

// send writes req and, unless the frame is one-way, waits for the reply
// with the same unique id.
func (cp *chargePoint) send(req *protocol.Message) (*protocol.Message, error) {
	frame, err := protocol.EncodeMessageFrame(cp.flags, req)
	if err != nil {
		return nil, err
	}
	if _, err := cp.conn.Write(frame); err != nil {
		return nil, err
	}

	// One-way messages do not have a response.
	if cp.flags&protocol.FlagOneWay != 0 {
		fmt.Fprintf(cp.out, "sent one-way: %s id=%s payload=%s\n", req.Action, req.UniqueID, req.Payload)
		return nil, nil
	}

	for {
		resp, err := cp.readMessage()
		if err != nil {
			return nil, err
		}
		if resp.UniqueID != req.UniqueID {
			continue
		}
		printResponse(cp.out, req, resp)
		return resp, nil
	}
}

// call sends a typed CALL and decodes a CALLRESULT into result.
func (cp *chargePoint) call(action protocol.Action, payload, result any) error {
	req, err := protocol.NewCall(action, payload)
	if err != nil {
		return err
	}
	resp, err := cp.send(req)
	if err != nil || resp == nil {
		return err
	}
	if resp.Type == protocol.TypeCallError {
		return fmt.Errorf("%s: %s: %s", action, resp.ErrorCode, resp.ErrorDescription)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Payload, result)
}

func (cp *chargePoint) readMessage() (*protocol.Message, error) {
	_ = cp.conn.SetReadDeadline(time.Now().Add(cp.timeout))
	defer cp.conn.SetReadDeadline(time.Time{})

	tmp := make([]byte, 2048)
	for {
		frame, n, err := protocol.Decode(cp.buf)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			cp.buf = cp.buf[n:]
			return protocol.DecodeMessageFrame(frame)
		}
		n, err = cp.conn.Read(tmp)
		cp.buf = append(cp.buf, tmp[:n]...)
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

// runSession plays boot, authorization and one charging transaction.
func (cp *chargePoint) runSession(serial, tag string) error {
	var boot ocpp16.BootNotificationResponse
	if err := cp.call(protocol.ActionBootNotification, ocpp16.BootNotification{
		ChargePointVendor:     "ocppgate",
		ChargePointModel:      "simulator",
		ChargeBoxSerialNumber: serial,
	}, &boot); err != nil {
		return err
	}
	if boot.Status != ocpp16.RegistrationAccepted {
		return fmt.Errorf("boot not accepted: %s", boot.Status)
	}

	var auth ocpp16.AuthorizeResponse
	if err := cp.call(protocol.ActionAuthorize, ocpp16.Authorize{IdTag: tag}, &auth); err != nil {
		return err
	}
	if auth.IdTagInfo.Status != ocpp16.AuthorizationAccepted {
		return fmt.Errorf("id tag %s not accepted: %s", tag, auth.IdTagInfo.Status)
	}

	if err := cp.status(1, ocpp16.StatusPreparing); err != nil {
		return err
	}
	var start ocpp16.StartTransactionResponse
	if err := cp.call(protocol.ActionStartTransaction, ocpp16.StartTransaction{
		ConnectorId: 1,
		IdTag:       tag,
		MeterStart:  0,
		Timestamp:   time.Now().UTC(),
	}, &start); err != nil {
		return err
	}
	if err := cp.status(1, ocpp16.StatusCharging); err != nil {
		return err
	}

	txID := start.TransactionId
	if err := cp.call(protocol.ActionMeterValues, ocpp16.MeterValues{
		ConnectorId:   1,
		TransactionId: &txID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp:    time.Now().UTC(),
			SampledValue: []ocpp16.SampledValue{{Value: "1500", Measurand: "Energy.Active.Import.Register", Unit: "Wh"}},
		}},
	}, nil); err != nil {
		return err
	}

	if err := cp.call(protocol.ActionStopTransaction, ocpp16.StopTransaction{
		IdTag:         tag,
		MeterStop:     1500,
		Timestamp:     time.Now().UTC(),
		TransactionId: txID,
		Reason:        "Local",
	}, nil); err != nil {
		return err
	}
	if err := cp.status(1, ocpp16.StatusAvailable); err != nil {
		return err
	}
	return cp.call(protocol.ActionHeartbeat, ocpp16.Heartbeat{}, nil)
}

func (cp *chargePoint) status(connector int, st ocpp16.ChargePointStatus) error {
	return cp.call(protocol.ActionStatusNotification, ocpp16.StatusNotification{
		ConnectorId: connector,
		ErrorCode:   ocpp16.ErrorNone,
		Status:      st,
	}, nil)
}

func printResponse(out io.Writer, req, resp *protocol.Message) {
	switch resp.Type {
	case protocol.TypeCallResult:
		fmt.Fprintf(out, "%s id=%s result=%s\n", req.Action, resp.UniqueID, resp.Payload)
	case protocol.TypeCallError:
		fmt.Fprintf(out, "%s id=%s error=%s description=%q\n", req.Action, resp.UniqueID, resp.ErrorCode, resp.ErrorDescription)
	default:
		fmt.Fprintf(out, "%s id=%s unexpected message type %d\n", req.Action, resp.UniqueID, resp.Type)
	}
}
