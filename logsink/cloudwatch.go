// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package logsink

import (
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/util"
)

// CloudWatch ships log messages to CloudWatch Logs, one log stream per
// tunnel stream, under the group <prefix>/<enclave-id>. Group and streams
// are created lazily, and every failure degrades to console-only logging.
type CloudWatch struct {
	api      cloudwatchlogsiface.CloudWatchLogsAPI
	logGroup string
	clock    util.Clock

	mu      sync.Mutex
	streams map[string]bool
}

func NewCloudWatch(cfg config.BridgeConfig, enclaveID string) (*CloudWatch, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	cw := NewCloudWatchWithAPI(cloudwatchlogs.New(sess), cfg.LogGroupPrefix+"/"+enclaveID)
	cw.ensureLogGroup()
	return cw, nil
}

// NewCloudWatchWithAPI wires a caller-provided client; used in tests.
func NewCloudWatchWithAPI(api cloudwatchlogsiface.CloudWatchLogsAPI, logGroup string) *CloudWatch {
	return &CloudWatch{
		api:      api,
		logGroup: logGroup,
		clock:    util.RealClock,
		streams:  make(map[string]bool),
	}
}

func (cw *CloudWatch) ensureLogGroup() {
	// Already-exists errors are expected across restarts.
	if _, err := cw.api.CreateLogGroup(&cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(cw.logGroup),
	}); err != nil {
		logger.Debugw("create log group", "group", cw.logGroup, "err", err)
	}
}

func (cw *CloudWatch) ensureLogStream(stream string) {
	if cw.streams[stream] {
		return
	}
	if _, err := cw.api.CreateLogStream(&cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(cw.logGroup),
		LogStreamName: aws.String(stream),
	}); err != nil {
		logger.Debugw("create log stream", "stream", stream, "err", err)
	}
	cw.streams[stream] = true
}

// Write always logs locally, then attempts the CloudWatch put. Failures are
// logged at warn and otherwise swallowed.
func (cw *CloudWatch) Write(stream, message string) {
	Console{}.Write(stream, message)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ensureLogStream(stream)

	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(cw.logGroup),
		LogStreamName: aws.String(stream),
		LogEvents: []*cloudwatchlogs.InputLogEvent{{
			Timestamp: aws.Int64(cw.clock.Now().UnixNano() / int64(time.Millisecond)),
			Message:   aws.String(message),
		}},
	}
	if token := cw.sequenceToken(stream); token != nil {
		input.SequenceToken = token
	}
	if _, err := cw.api.PutLogEvents(input); err != nil {
		logger.Warnw("cloudwatch write failed", "stream", stream, "err", err)
	}
}

// sequenceToken looks up the stream's current upload token. PutLogEvents
// rejects stale tokens, so it is re-read on every write.
func (cw *CloudWatch) sequenceToken(stream string) *string {
	out, err := cw.api.DescribeLogStreams(&cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(cw.logGroup),
		LogStreamNamePrefix: aws.String(stream),
	})
	if err != nil {
		logger.Debugw("describe log streams", "stream", stream, "err", err)
		return nil
	}
	if len(out.LogStreams) == 0 {
		return nil
	}
	return out.LogStreams[0].UploadSequenceToken
}
