package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	oldproto "github.com/golang/protobuf/proto"

	"github.com/corvohq/batchrun/internal/batch"
)

var jobProtoPrefix = []byte{0x42, 0x4a, 0x31} // "BJ1"

type pbJobDoc struct {
	ID           string  `protobuf:"bytes,1,opt,name=id,proto3" json:"id,omitempty"`
	Title        string  `protobuf:"bytes,2,opt,name=title,proto3" json:"title,omitempty"`
	Sets         []byte  `protobuf:"bytes,3,opt,name=sets,proto3" json:"sets,omitempty"`
	PositionSet  int32   `protobuf:"varint,4,opt,name=position_set,json=positionSet,proto3" json:"position_set,omitempty"`
	PositionOp   int32   `protobuf:"varint,5,opt,name=position_op,json=positionOp,proto3" json:"position_op,omitempty"`
	Status       string  `protobuf:"bytes,6,opt,name=status,proto3" json:"status,omitempty"`
	Results      []byte  `protobuf:"bytes,7,opt,name=results,proto3" json:"results,omitempty"`
	State        []byte  `protobuf:"bytes,8,opt,name=state,proto3" json:"state,omitempty"`
	Sandbox      []byte  `protobuf:"bytes,9,opt,name=sandbox,proto3" json:"sandbox,omitempty"`
	OpFinished   float64 `protobuf:"fixed64,10,opt,name=op_finished,json=opFinished,proto3" json:"op_finished,omitempty"`
	Message      string  `protobuf:"bytes,11,opt,name=message,proto3" json:"message,omitempty"`
	Redirect     string  `protobuf:"bytes,12,opt,name=redirect,proto3" json:"redirect,omitempty"`
	Driver       string  `protobuf:"bytes,13,opt,name=driver,proto3" json:"driver,omitempty"`
	Failure      []byte  `protobuf:"bytes,14,opt,name=failure,proto3" json:"failure,omitempty"`
	Seq          int64   `protobuf:"varint,15,opt,name=seq,proto3" json:"seq,omitempty"`
	CreatedAtNs  int64   `protobuf:"varint,16,opt,name=created_at_ns,json=createdAtNs,proto3" json:"created_at_ns,omitempty"`
	UpdatedAtNs  int64   `protobuf:"varint,17,opt,name=updated_at_ns,json=updatedAtNs,proto3" json:"updated_at_ns,omitempty"`
	FinishedAtNs int64   `protobuf:"varint,18,opt,name=finished_at_ns,json=finishedAtNs,proto3" json:"finished_at_ns,omitempty"`
	HasFinished  bool    `protobuf:"varint,19,opt,name=has_finished,json=hasFinished,proto3" json:"has_finished,omitempty"`
	HasResults   bool    `protobuf:"varint,20,opt,name=has_results,json=hasResults,proto3" json:"has_results,omitempty"`
	HasState     bool    `protobuf:"varint,21,opt,name=has_state,json=hasState,proto3" json:"has_state,omitempty"`
}

func (m *pbJobDoc) Reset()         { *m = pbJobDoc{} }
func (m *pbJobDoc) String() string { return oldproto.CompactTextString(m) }
func (*pbJobDoc) ProtoMessage()    {}

func encodeJob(job *batch.Job) ([]byte, error) {
	p := &pbJobDoc{
		ID:          job.ID,
		Title:       job.Title,
		PositionSet: int32(job.Position.Set),
		PositionOp:  int32(job.Position.Op),
		Status:      job.Status,
		Sandbox:     append([]byte(nil), job.Sandbox...),
		OpFinished:  job.OpFinished,
		Message:     job.Message,
		Redirect:    job.Redirect,
		Driver:      job.Driver,
		Seq:         int64(job.Seq),
		CreatedAtNs: timeToNs(job.CreatedAt),
		UpdatedAtNs: timeToNs(job.UpdatedAt),
	}
	var err error
	if job.Sets != nil {
		if p.Sets, err = json.Marshal(job.Sets); err != nil {
			return nil, fmt.Errorf("marshal sets: %w", err)
		}
	}
	if job.Results != nil {
		p.HasResults = true
		if p.Results, err = json.Marshal(job.Results); err != nil {
			return nil, fmt.Errorf("marshal results: %w", err)
		}
	}
	if job.State != nil {
		p.HasState = true
		if p.State, err = json.Marshal(job.State); err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
	}
	if job.Failure != nil {
		if p.Failure, err = json.Marshal(job.Failure); err != nil {
			return nil, fmt.Errorf("marshal failure: %w", err)
		}
	}
	if job.FinishedAt != nil {
		p.HasFinished = true
		p.FinishedAtNs = timeToNs(*job.FinishedAt)
	}
	wire, err := oldproto.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, jobProtoPrefix...), wire...), nil
}

func decodeJob(data []byte) (*batch.Job, error) {
	if !bytes.HasPrefix(data, jobProtoPrefix) {
		var job batch.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal json job: %w", err)
		}
		return &job, nil
	}
	var p pbJobDoc
	if err := oldproto.Unmarshal(data[len(jobProtoPrefix):], &p); err != nil {
		return nil, fmt.Errorf("unmarshal protobuf job: %w", err)
	}
	job := &batch.Job{
		ID:         p.ID,
		Title:      p.Title,
		Position:   batch.Position{Set: int(p.PositionSet), Op: int(p.PositionOp)},
		Status:     p.Status,
		OpFinished: p.OpFinished,
		Message:    p.Message,
		Redirect:   p.Redirect,
		Driver:     p.Driver,
		Seq:        int(p.Seq),
		CreatedAt:  nsToTime(p.CreatedAtNs),
		UpdatedAt:  nsToTime(p.UpdatedAtNs),
	}
	if len(p.Sandbox) > 0 {
		job.Sandbox = append(json.RawMessage(nil), p.Sandbox...)
	}
	if len(p.Sets) > 0 {
		if err := json.Unmarshal(p.Sets, &job.Sets); err != nil {
			return nil, fmt.Errorf("unmarshal sets: %w", err)
		}
	}
	if p.HasResults {
		job.Results = map[string]json.RawMessage{}
		if err := json.Unmarshal(p.Results, &job.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if p.HasState {
		job.State = map[string]json.RawMessage{}
		if err := json.Unmarshal(p.State, &job.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	if len(p.Failure) > 0 {
		job.Failure = &batch.Failure{}
		if err := json.Unmarshal(p.Failure, job.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	if p.HasFinished {
		t := nsToTime(p.FinishedAtNs)
		job.FinishedAt = &t
	}
	return job, nil
}

func timeToNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
