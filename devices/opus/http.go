package opus

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"frog/bus"
	"frog/config"
	"frog/errcode"
	"frog/hardware"
)

// Interface talks to the OPUS remote-control website. Commands are issued as
// GET requests and the answer is scraped out of an HTML table whose cells are
// identified by id attributes.
type Interface struct {
	instance hardware.InstanceRef
	bus      *bus.Bus
	baseURL  string
	client   *http.Client

	subs []*bus.Subscription
	done chan struct{}
}

// New creates an interface for the OPUS service on host. A nil client gets a
// default with the serial timeout; a non-positive pollInterval disables the
// background status poll.
func New(b *bus.Bus, instance hardware.InstanceRef, host string, client *http.Client, pollInterval time.Duration) *Interface {
	if client == nil {
		client = &http.Client{Timeout: config.SerialTimeout}
	}
	o := &Interface{
		instance: instance,
		bus:      b,
		baseURL:  "http://" + host + "/opusrs/",
		client:   client,
		done:     make(chan struct{}),
	}
	o.subs = append(o.subs,
		b.Subscribe(topicRequestCommand, o.onRequestCommand),
		b.Subscribe(topicRequestStatus, o.onRequestStatus),
	)
	if pollInterval > 0 {
		go o.poll(pollInterval)
	}
	return o
}

func (o *Interface) InstanceRef() hardware.InstanceRef { return o.instance }

func (o *Interface) Close() error {
	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
	o.subs = nil
	close(o.done)
	return nil
}

// commandURL maps a command onto the OPUS website. The status page lives at
// its own URL; everything else goes through the command endpoint.
func (o *Interface) commandURL(command string) string {
	if command == "status" {
		return o.baseURL + "stat.htm"
	}
	return o.baseURL + "cmd.htm?opusrs" + command
}

// RequestCommand issues a command and publishes the parsed response. Failures
// are published on opus.error and returned.
func (o *Interface) RequestCommand(command string) (Response, error) {
	resp, err := o.request(command)
	if err != nil {
		log.Error().Err(err).Str("command", command).Msg("OPUS request failed")
		o.bus.Publish(topicError, hardware.ErrorEvent{Instance: o.instance, Err: err})
		return Response{}, err
	}
	o.bus.Publish(topicResponsePrefix+command, resp)
	return resp, nil
}

func (o *Interface) request(command string) (Response, error) {
	res, err := o.client.Get(o.commandURL(command))
	if err != nil {
		return Response{}, errcode.Wrap(errcode.Transport, "opus request", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Response{}, errcode.New(errcode.DeviceError, "opus request",
			fmt.Sprintf("%s (HTTP %d)", ErrWebsiteNotFound.Text, res.StatusCode))
	}
	status, text, perr := parseResponse(res.Body)
	if perr != nil {
		return Response{}, perr
	}
	return Response{Command: command, Status: status, Text: text}, nil
}

// parseResponse extracts the status fields from the OPUS answer page. The
// page reports errors through ERRCODE/ERRTEXT cells; their presence is a
// device error regardless of the code.
func parseResponse(r io.Reader) (Status, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return StatusUndefined, "", errcode.Wrap(errcode.Malformed, "opus parse", err)
	}

	fields := make(map[string]string)
	if err := collectCells(doc, fields); err != nil {
		return StatusUndefined, "", err
	}

	if code, ok := fields["ERRCODE"]; ok {
		return StatusUndefined, "", errcode.New(errcode.DeviceError, "opus parse",
			fmt.Sprintf("OPUS error %s: %s", code, fields["ERRTEXT"]))
	}

	rawStatus, okStatus := fields["STATUS"]
	text, okText := fields["TEXT"]
	if !okStatus || !okText {
		return StatusUndefined, "", errcode.New(errcode.Malformed, "opus parse",
			"missing STATUS or TEXT field")
	}
	code, err := strconv.Atoi(rawStatus)
	if err != nil {
		return StatusUndefined, "", errcode.New(errcode.Malformed, "opus parse",
			"non-numeric STATUS field "+rawStatus)
	}
	return Status(code), text, nil
}

// collectCells walks the document tree gathering <td id=...> contents.
func collectCells(n *html.Node, fields map[string]string) error {
	if n.Type == html.ElementNode && n.Data == "td" {
		id := ""
		for _, attr := range n.Attr {
			if attr.Key == "id" {
				id = attr.Val
			}
		}
		switch id {
		case "":
			return errcode.New(errcode.Malformed, "opus parse", "<td> tag without id")
		case "STATUS", "TEXT", "ERRCODE", "ERRTEXT":
			fields[id] = textContent(n)
		default:
			log.Warn().Str("id", id).Msg("Received unexpected data")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := collectCells(c, fields); err != nil {
			return err
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(sb.String())
}

// -----------------------------------------------------------------------------
// Polling and bus wiring
// -----------------------------------------------------------------------------

func (o *Interface) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.RequestCommand("status")
		}
	}
}

func (o *Interface) onRequestCommand(msg bus.Message) {
	command, ok := msg.Payload.(string)
	if !ok {
		o.bus.Publish(topicError, hardware.ErrorEvent{
			Instance: o.instance,
			Err:      errcode.New(errcode.Validation, "opus request", "command must be a string"),
		})
		return
	}
	o.RequestCommand(command)
}

func (o *Interface) onRequestStatus(bus.Message) {
	o.RequestCommand("status")
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func init() {
	hardware.Register("opus", hardware.BuilderFunc(func(in hardware.BuildInput) (hardware.Device, error) {
		host, _ := in.Params["host"].(string)
		if host == "" {
			host = config.Default().OPUSHost
		}
		return New(in.Bus, in.Instance, host, nil, config.OPUSPollInterval), nil
	}))
}
