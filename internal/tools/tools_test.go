package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreateTaskCSVTypes(t *testing.T) {
	call, err := Parse(KindCreateTask,
		`{"title":"換気","description":"窓を開ける","bounty":200,"urgency":1,"task_types":"environment, cleaning, environment"}`)
	require.NoError(t, err)
	require.Equal(t, KindCreateTask, call.Kind)
	assert.Equal(t, []string{"environment", "cleaning"}, call.CreateTask.TaskTypes)
}

func TestParseCreateTaskArrayTypes(t *testing.T) {
	call, err := Parse(KindCreateTask,
		`{"title":"換気","description":"x","bounty":200,"urgency":1,"task_types":["environment","cleaning"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"environment", "cleaning"}, call.CreateTask.TaskTypes)
}

func TestParseCreateTaskEmptyTypeElement(t *testing.T) {
	_, err := Parse(KindCreateTask,
		`{"title":"x","description":"x","bounty":1,"urgency":1,"task_types":"cleaning,,environment"}`)
	assert.Error(t, err)
}

func TestParseDeviceArgumentsObjectAndString(t *testing.T) {
	call, err := Parse(KindSendDeviceCommand,
		`{"agent_id":"hvac_agent","tool_name":"set_temperature","arguments":{"target":22.5}}`)
	require.NoError(t, err)
	assert.Equal(t, 22.5, call.SendDeviceCommand.Arguments["target"])

	// models often double-encode the arguments object
	call, err = Parse(KindSendDeviceCommand,
		`{"agent_id":"hvac_agent","tool_name":"set_temperature","arguments":"{\"target\":22.5}"}`)
	require.NoError(t, err)
	assert.Equal(t, 22.5, call.SendDeviceCommand.Arguments["target"])
}

func TestParseDeviceArgumentsOmitted(t *testing.T) {
	call, err := Parse(KindSendDeviceCommand,
		`{"agent_id":"plant_agent","tool_name":"get_status"}`)
	require.NoError(t, err)
	assert.Empty(t, call.SendDeviceCommand.Arguments)
}

func TestParseEmptyArgumentsDefaultsToObject(t *testing.T) {
	call, err := Parse(KindGetActiveTasks, "")
	require.NoError(t, err)
	assert.Equal(t, KindGetActiveTasks, call.Kind)
}

func TestParseUnknownTool(t *testing.T) {
	_, err := Parse("rm_rf", `{}`)
	assert.Error(t, err)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse(KindSpeak, `{"message":`)
	assert.Error(t, err)
}
