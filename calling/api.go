/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"io"
	"net/http"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

// callAPI is the call-management REST surface used by the CallManager.
// Split out as an interface so tests can substitute a fake transport.
type callAPI interface {
	// Initiate creates a call and returns its record plus the media room
	// descriptor for the caller.
	Initiate(calleeIDs []string, callType CallType, communityID string) (*CallRecord, *MediaRoomDescriptor, error)

	// Accept answers an incoming call and returns the updated record plus
	// the media room descriptor for this callee.
	Accept(callID string) (*CallRecord, *MediaRoomDescriptor, error)

	// Reject declines an incoming call.
	Reject(callID string) error

	// Cancel withdraws an outgoing call that has not been answered.
	Cancel(callID string) error

	// End hangs up an established call.
	End(callID string) error

	// UpdateParticipant pushes this device's media flags to the server so
	// other participants see mute/video changes.
	UpdateParticipant(callID string, state *LocalParticipantState) error
}

// callEnvelope is the response body of initiate and accept: the call record
// together with the media room descriptor issued to this participant.
type callEnvelope struct {
	Call      *CallRecord          `json:"call"`
	MediaRoom *MediaRoomDescriptor `json:"mediaRoom"`
}

// initiateRequest is the body of POST calls.
type initiateRequest struct {
	CalleeIDs   []string `json:"calleeIds"`
	CallType    CallType `json:"callType"`
	CommunityID string   `json:"communityId,omitempty"`
}

// restCallAPI implements callAPI against the Koinonia call-management API.
type restCallAPI struct {
	core *koinoniasdk.Client
}

func newRESTCallAPI(core *koinoniasdk.Client) *restCallAPI {
	return &restCallAPI{core: core}
}

func (a *restCallAPI) Initiate(calleeIDs []string, callType CallType, communityID string) (*CallRecord, *MediaRoomDescriptor, error) {
	if len(calleeIDs) == 0 {
		return nil, nil, fmt.Errorf("at least one callee is required")
	}

	body := &initiateRequest{
		CalleeIDs:   calleeIDs,
		CallType:    callType,
		CommunityID: communityID,
	}

	resp, err := a.core.Request(http.MethodPost, "calls", nil, body)
	if err != nil {
		return nil, nil, err
	}

	var envelope callEnvelope
	if err := koinoniasdk.ParseResponse(resp, &envelope); err != nil {
		return nil, nil, err
	}
	if envelope.Call == nil {
		return nil, nil, fmt.Errorf("initiate response missing call record")
	}

	return envelope.Call, envelope.MediaRoom, nil
}

func (a *restCallAPI) Accept(callID string) (*CallRecord, *MediaRoomDescriptor, error) {
	if callID == "" {
		return nil, nil, fmt.Errorf("callID is required")
	}

	path := fmt.Sprintf("calls/%s/accept", callID)
	resp, err := a.core.Request(http.MethodPost, path, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	var envelope callEnvelope
	if err := koinoniasdk.ParseResponse(resp, &envelope); err != nil {
		return nil, nil, err
	}
	if envelope.Call == nil {
		return nil, nil, fmt.Errorf("accept response missing call record")
	}

	return envelope.Call, envelope.MediaRoom, nil
}

func (a *restCallAPI) Reject(callID string) error {
	return a.simpleAction(callID, "reject")
}

func (a *restCallAPI) Cancel(callID string) error {
	return a.simpleAction(callID, "cancel")
}

func (a *restCallAPI) End(callID string) error {
	return a.simpleAction(callID, "end")
}

// simpleAction performs a body-less POST against a call sub-resource and
// discards the response body.
func (a *restCallAPI) simpleAction(callID, action string) error {
	if callID == "" {
		return fmt.Errorf("callID is required")
	}

	path := fmt.Sprintf("calls/%s/%s", callID, action)
	resp, err := a.core.Request(http.MethodPost, path, nil, nil)
	if err != nil {
		return err
	}

	return checkResponse(resp)
}

func (a *restCallAPI) UpdateParticipant(callID string, state *LocalParticipantState) error {
	if callID == "" {
		return fmt.Errorf("callID is required")
	}
	if state == nil {
		return fmt.Errorf("participant state is required")
	}

	path := fmt.Sprintf("calls/%s/participant", callID)
	resp, err := a.core.Request(http.MethodPut, path, nil, state)
	if err != nil {
		return err
	}

	return checkResponse(resp)
}

// checkResponse drains and closes a response whose body content is not
// needed, returning a structured error for non-2xx statuses. Call actions
// may respond 204 or with bodies the manager has no use for.
func checkResponse(resp *http.Response) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return koinoniasdk.NewAPIError(resp, body)
	}
	return nil
}
