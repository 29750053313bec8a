package mqtt

// TopicPrefixSystem is the root of process-level topics. Bridge topics
// (graylogic/{category}/{protocol}/{id}) are built by the bridges.
const TopicPrefixSystem = "graylogic/system"

// Topics builds process-level topics.
type Topics struct{}

// SystemStatus carries the retained online/offline status of every
// Gray Logic process, keyed by client_id in the payload.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
