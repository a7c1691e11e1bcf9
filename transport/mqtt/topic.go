package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/devhub/hub"
)

// Device side MQTT topics of IoT Hub.
const (
	topicTwinResPrefix    = "$iothub/twin/res/"
	topicTwinDesired      = "$iothub/twin/PATCH/properties/desired/"
	topicTwinGet          = "$iothub/twin/GET/"
	topicTwinReported     = "$iothub/twin/PATCH/properties/reported/"
	topicMethodPostPrefix = "$iothub/methods/POST/"
	topicMethodResPrefix  = "$iothub/methods/res/"
)

// System property keys in telemetry and cloud-to-device topics.
const (
	propMessageID          = "$.mid"
	propCorrelationID      = "$.cid"
	propContentType        = "$.ct"
	propContentEncoding    = "$.ce"
	propOutputName         = "$.on"
	propUserID             = "$.uid"
	propConnectionDeviceID = "$.cdid"
	propCreationTimeUTC    = "$.ctime"
	propComponentName      = "$.sub"
)

var systemPropOrder = []string{propMessageID, propCorrelationID, propContentType, propContentEncoding}

func telemetryTopic(deviceID string) string { return "devices/" + deviceID + "/messages/events/" }
func c2dPrefix(deviceID string) string      { return "devices/" + deviceID + "/messages/devicebound/" }
func c2dFilter(deviceID string) string      { return c2dPrefix(deviceID) + "#" }

// TelemetryTopic encodes message system and application properties into topic.
func TelemetryTopic(deviceID string, msg *hub.Message) string {
	kv := msg.Properties()
	for k, v := range map[string]string{
		propMessageID:          msg.MessageID(),
		propCorrelationID:      msg.CorrelationID(),
		propContentType:        msg.ContentTypeSystemProperty(),
		propContentEncoding:    msg.ContentEncodingSystemProperty(),
		propOutputName:         msg.OutputName(),
		propUserID:             msg.UserID(),
		propConnectionDeviceID: msg.ConnectionDeviceID(),
		propCreationTimeUTC:    msg.CreationTimeUTC(),
		propComponentName:      msg.ComponentName(),
	} {
		if v != "" {
			kv[k] = v
		}
	}
	return telemetryTopic(deviceID) + encodeQuery(systemPropOrder, kv)
}

// ParseDeviceBound builds inbound message from cloud-to-device PUBLISH.
func ParseDeviceBound(deviceID, topic string, payload []byte) (*hub.Message, error) {
	prefix := c2dPrefix(deviceID)
	if !strings.HasPrefix(topic, prefix) {
		return nil, errors.NotValidf("devicebound topic=%s", topic)
	}
	msg := hub.NewMessageFromBytes(payload)
	_, q := parseTopicQuery("?" + topic[len(prefix):])
	for k, v := range q {
		var err error
		switch k {
		case propMessageID:
			err = msg.SetMessageID(v)
		case propCorrelationID:
			err = msg.SetCorrelationID(v)
		case propContentType:
			err = msg.SetContentTypeSystemProperty(v)
		case propContentEncoding:
			err = msg.SetContentEncodingSystemProperty(v)
		case propUserID:
			err = msg.SetUserID(v)
		case propConnectionDeviceID:
			err = msg.SetConnectionDeviceID(v)
		case propCreationTimeUTC:
			err = msg.SetCreationTimeUTC(v)
		default:
			if strings.HasPrefix(k, "$.") || k == "" {
				continue
			}
			err = msg.SetProperty(k, v)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "devicebound property=%s", k)
		}
	}
	return msg, nil
}

func twinGetTopic(rid string) string      { return topicTwinGet + "?$rid=" + rid }
func twinReportedTopic(rid string) string { return topicTwinReported + "?$rid=" + rid }

func methodResponseTopic(status int, rid string) string {
	return fmt.Sprintf("%s%d/?$rid=%s", topicMethodResPrefix, status, rid)
}

// parseTwinResponse handles `$iothub/twin/res/{status}/?$rid={rid}`.
func parseTwinResponse(topic string) (status int, rid string, err error) {
	path, q := parseTopicQuery(topic)
	if !strings.HasPrefix(path, topicTwinResPrefix) {
		return 0, "", errors.NotValidf("twin response topic=%s", topic)
	}
	s := strings.TrimSuffix(path[len(topicTwinResPrefix):], "/")
	if status, err = strconv.Atoi(s); err != nil {
		return 0, "", errors.NotValidf("twin response status topic=%s", topic)
	}
	return status, q["$rid"], nil
}

// parseMethodRequest handles `$iothub/methods/POST/{name}/?$rid={rid}`.
func parseMethodRequest(topic string) (name, rid string, err error) {
	path, q := parseTopicQuery(topic)
	if !strings.HasPrefix(path, topicMethodPostPrefix) {
		return "", "", errors.NotValidf("method topic=%s", topic)
	}
	name = strings.TrimSuffix(path[len(topicMethodPostPrefix):], "/")
	rid = q["$rid"]
	if name == "" || rid == "" {
		return "", "", errors.NotValidf("method topic=%s", topic)
	}
	return name, rid, nil
}
