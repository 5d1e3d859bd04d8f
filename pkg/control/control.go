// Package control applies operator requests received over MQTT: thresholds,
// supply setpoints and a manual trip.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/actuator"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
)

// Cameras is the threshold side of *thermal.Manager.
type Cameras interface {
	SetThreshold(cam int, v float64) error
}

// Interlock is the part of *interlock.Coordinator control uses.
type Interlock interface {
	SetAnalogThreshold(ch int, v float64) error
	Command(addr actuator.Address, cmd actuator.Command) (string, error)
	Trip(r interlock.Reason) bool
	Status() interlock.Status
}

// Request is one control message.
type Request struct {
	Action  string   `json:"action"`
	Camera  *int     `json:"camera,omitempty"`
	Channel *int     `json:"channel,omitempty"`
	Value   *float64 `json:"value,omitempty"`
	Address string   `json:"address,omitempty"`
	Command string   `json:"command,omitempty"`
	Arg     string   `json:"arg,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Reply answers a Request on the reply topic.
type Reply struct {
	Action string            `json:"action"`
	OK     bool              `json:"ok"`
	Error  string            `json:"error,omitempty"`
	Reply  string            `json:"reply,omitempty"`
	Status *interlock.Status `json:"status,omitempty"`
}

const (
	ActionSetThreshold       = "set-threshold"
	ActionSetAnalogThreshold = "set-analog-threshold"
	ActionCommand            = "command"
	ActionTrip               = "trip"
	ActionStatus             = "status"
)

type Controller struct {
	cams  Cameras
	il    Interlock
	topic string
	log   *log.Entry
}

func New(cams Cameras, il Interlock, topic string) (*Controller, error) {
	if cams == nil || il == nil {
		return nil, errors.New("control: cameras and interlock required")
	}
	if topic == "" {
		return nil, errors.New("control: topic required")
	}
	return &Controller{cams: cams, il: il, topic: topic, log: log.WithField("component", "control")}, nil
}

// ReplyTopic is where replies are published.
func (c *Controller) ReplyTopic() string { return c.topic + "/reply" }

// Subscribe registers the request handler on client.
func (c *Controller) Subscribe(client mqtt.Client) error {
	token := client.Subscribe(c.topic, 1, func(cl mqtt.Client, msg mqtt.Message) {
		rep := c.Handle(msg.Payload())
		b, err := json.Marshal(rep)
		if err != nil {
			c.log.WithError(err).Error("marshal reply")
			return
		}
		cl.Publish(c.ReplyTopic(), 0, false, b)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", c.topic, token.Error())
	}
	c.log.WithField("topic", c.topic).Info("control subscribed")
	return nil
}

// Handle decodes and applies one request.
func (c *Controller) Handle(payload []byte) Reply {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Reply{Error: fmt.Sprintf("decode: %v", err)}
	}
	rep := Reply{Action: req.Action}
	out, err := c.apply(req, &rep)
	if err != nil {
		rep.Error = err.Error()
		c.log.WithError(err).WithField("action", req.Action).Warn("control request rejected")
		return rep
	}
	rep.OK = true
	rep.Reply = out
	c.log.WithField("action", req.Action).Info("control request applied")
	return rep
}

func (c *Controller) apply(req Request, rep *Reply) (string, error) {
	switch req.Action {
	case ActionSetThreshold:
		if req.Camera == nil {
			return "", errors.New("camera required")
		}
		v, err := value(req)
		if err != nil {
			return "", err
		}
		return "", c.cams.SetThreshold(*req.Camera, v)
	case ActionSetAnalogThreshold:
		if req.Channel == nil {
			return "", errors.New("channel required")
		}
		v, err := value(req)
		if err != nil {
			return "", err
		}
		return "", c.il.SetAnalogThreshold(*req.Channel, v)
	case ActionCommand:
		if req.Address == "" {
			return "", errors.New("address required")
		}
		cmd, err := actuator.ParseCommand(req.Command, req.Arg)
		if err != nil {
			return "", err
		}
		return c.il.Command(actuator.Address(req.Address), cmd)
	case ActionTrip:
		detail := req.Detail
		if detail == "" {
			detail = "operator request"
		}
		if !c.il.Trip(interlock.Reason{Source: interlock.SourceManual, Detail: detail}) {
			return "", interlock.ErrTripped
		}
		st := c.il.Status()
		rep.Status = &st
		return "", nil
	case ActionStatus:
		st := c.il.Status()
		rep.Status = &st
		return "", nil
	default:
		return "", fmt.Errorf("unknown action %q", req.Action)
	}
}

func value(req Request) (float64, error) {
	if req.Value == nil {
		return 0, errors.New("value required")
	}
	v := *req.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("value must be finite")
	}
	return v, nil
}
