package types

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string
	Write []string
}

// RelayListFromEvent parses the "r" tags of a kind 10002 event.
// A tag without a marker counts for both reading and writing.
func RelayListFromEvent(evt *Event) *RelayList {
	relayList := &RelayList{
		Read:  []string{},
		Write: []string{},
	}

	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		relayURL := tag[1]
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}

		switch marker {
		case "read":
			relayList.Read = append(relayList.Read, relayURL)
		case "write":
			relayList.Write = append(relayList.Write, relayURL)
		default:
			relayList.Read = append(relayList.Read, relayURL)
			relayList.Write = append(relayList.Write, relayURL)
		}
	}

	return relayList
}
