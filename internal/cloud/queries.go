package cloud

// GraphQL documents for the MyHarvia AppSync APIs. These are sent verbatim;
// the cloud matches on operation shape, so keep them byte-identical to what
// the official clients send.
const (
	queryUserDetails = "query Query {\n  getCurrentUserDetails {\n    email\n    organizationId\n    admin\n    given_name\n    family_name\n    superAdmin\n    rdUser\n    appSettings\n    __typename\n  }\n}\n"

	queryDeviceTree = "query Query {\n  getDeviceTree\n}\n"

	queryDeviceState = "query Query($deviceId: ID!) {\n  getDeviceState(deviceId: $deviceId) {\n    desired\n    reported\n    timestamp\n    __typename\n  }\n}\n"

	queryLatestData = "query Query($deviceId: String!) {\n  getLatestData(deviceId: $deviceId) {\n    deviceId\n    timestamp\n    sessionId\n    type\n    data\n    __typename\n  }\n}\n"

	mutationStateChange = "mutation Mutation($deviceId: ID!, $state: AWSJSON!, $getFullState: Boolean) {\n  requestStateChange(deviceId: $deviceId, state: $state, getFullState: $getFullState)\n}\n"
)
