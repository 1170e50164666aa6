package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/janelia-flyem/protolog"

	"github.com/janelia-flyem/cleaveserver/core"
)

const activityMsgTypeID uint16 = 1 // protolog message type

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * core.Kilo

// Activity is the record kept for each cleave request.
type Activity struct {
	RequestID  string    `json:"request-id"`
	Time       time.Time `json:"time"`
	User       string    `json:"user"`
	Body       uint64    `json:"body-id"`
	Server     string    `json:"server,omitempty"`
	UUID       string    `json:"uuid,omitempty"`
	Instance   string    `json:"segmentation-instance,omitempty"`
	Method     string    `json:"method,omitempty"`
	Status     int       `json:"status"`
	Error      string    `json:"error,omitempty"`
	NumSeeds   int       `json:"num-seeds"`
	NumNodes   int       `json:"num-supervoxels"`
	NumEdges   int       `json:"num-edges"`
	Refreshed  bool      `json:"refreshed"`
	RowsAdded  int       `json:"rows-added"`
	DurationMs float64   `json:"duration-ms"`
}

// ActivityLog records request activity.
type ActivityLog interface {
	Log(a Activity)
	Close() error
}

// KafkaConfig describes kafka servers for activity logging.
type KafkaConfig struct {
	TopicActivity string   `toml:"topic_activity"` // if supplied, overrides the default activity topic
	Servers       []string `toml:"servers"`
	BufferSize    int      `toml:"buffer_size"` // max messages buffered by the producer
}

// ActivityTopic returns the topic name used for activity from the given host.
func (kc KafkaConfig) ActivityTopic(hostID string) string {
	topic := kc.TopicActivity
	if topic == "" {
		topic = "cleaveactivity-" + hostID
	}
	return topicCleaner.ReplaceAllString(topic, "-")
}

var topicCleaner = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)

// NewKafkaProducer returns an async producer for the configured servers.
func (kc KafkaConfig) NewKafkaProducer() (sarama.AsyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	return sarama.NewAsyncProducer(kc.Servers, config)
}

// KafkaActivityLog publishes activity as JSON to a kafka topic.  Messages
// kafka rejects are written to the fallback log, if any.
type KafkaActivityLog struct {
	producer sarama.AsyncProducer
	topic    string
	fallback ActivityLog
	done     chan struct{}

	mu     sync.RWMutex // guards closed against sends on the producer input
	closed bool
}

// NewKafkaActivityLog wraps a producer.  The fallback may be nil.
func NewKafkaActivityLog(producer sarama.AsyncProducer, topic string, fallback ActivityLog) *KafkaActivityLog {
	k := &KafkaActivityLog{
		producer: producer,
		topic:    topic,
		fallback: fallback,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(k.done)
		for err := range producer.Errors() {
			core.Errorf("error on kafka send: %v\n", err)
			if k.fallback == nil || err.Msg == nil {
				continue
			}
			value, encErr := err.Msg.Value.Encode()
			if encErr != nil {
				continue
			}
			var a Activity
			if json.Unmarshal(value, &a) == nil {
				k.fallback.Log(a)
			}
		}
	}()
	core.Infof("Kafka topic for cleave activity: %s\n", topic)
	return k
}

// Log sends the activity to kafka.  Activity logged after Close is dropped.
func (k *KafkaActivityLog) Log(a Activity) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		core.Errorf("dropping activity for body %d: kafka activity log is closed\n", a.Body)
		return
	}
	jsonmsg, err := json.Marshal(a)
	if err != nil {
		core.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	k.producer.Input() <- &sarama.ProducerMessage{Topic: k.topic, Value: sarama.ByteEncoder(jsonmsg), Key: timeKey}
}

// Close flushes the producer and then the fallback log.
func (k *KafkaActivityLog) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	err := k.producer.Close()
	<-k.done
	if err != nil {
		core.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		core.Infof("Successfully shut down kafka producer.\n")
	}
	if k.fallback != nil {
		if ferr := k.fallback.Close(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// FileActivityLog appends activity as JSON protolog records to a local file.
type FileActivityLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFileActivityLog opens or creates an activity log file for appending.
func OpenFileActivityLog(path string) (*FileActivityLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("can't open activity log %q: %w", path, err)
	}
	return &FileActivityLog{f: f}, nil
}

// Log appends the activity to the file.
func (l *FileActivityLog) Log(a Activity) {
	jsonmsg, err := json.Marshal(a)
	if err != nil {
		core.Errorf("unable to marshal activity: %v\n", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w := protolog.NewTypedWriter(activityMsgTypeID, l.f)
	if _, err := w.Write(jsonmsg); err != nil {
		core.Errorf("unable to write activity to %s: %v\n", l.f.Name(), err)
	}
}

// Close closes the file.
func (l *FileActivityLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadActivityLog returns every activity record in a protolog file.
func ReadActivityLog(path string) ([]Activity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := protolog.NewReader(f)
	var activities []Activity
	for {
		typeID, jsondata, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return activities, err
		}
		if typeID != activityMsgTypeID {
			core.Criticalf("Unknown message type %d in activity log %s\n", typeID, path)
			continue
		}
		var a Activity
		if err := json.Unmarshal(jsondata, &a); err != nil {
			return activities, fmt.Errorf("bad activity record in %s: %w", path, err)
		}
		activities = append(activities, a)
	}
	return activities, nil
}

type nopActivityLog struct{}

func (nopActivityLog) Log(Activity) {}
func (nopActivityLog) Close() error { return nil }

// OpenActivityLog returns a kafka activity log if servers are configured,
// falling back to a local protolog file if logfile is set, or a log that
// drops everything if neither is.
func OpenActivityLog(kc KafkaConfig, logfile, hostID string) (ActivityLog, error) {
	var fileLog ActivityLog
	if logfile != "" {
		fl, err := OpenFileActivityLog(logfile)
		if err != nil {
			return nil, err
		}
		fileLog = fl
	}
	if len(kc.Servers) == 0 {
		if fileLog == nil {
			return nopActivityLog{}, nil
		}
		core.Infof("Logging cleave activity to %s\n", logfile)
		return fileLog, nil
	}
	producer, err := kc.NewKafkaProducer()
	if err != nil {
		if fileLog != nil {
			fileLog.Close()
		}
		return nil, err
	}
	return NewKafkaActivityLog(producer, kc.ActivityTopic(hostID), fileLog), nil
}
