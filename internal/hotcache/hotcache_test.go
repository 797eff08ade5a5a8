package hotcache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("k", 42, time.Minute)
	v, ok := c.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("got %v %v, want 42 true", v, ok)
	}
}

func TestGetExpired(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry was returned")
	}
}

func TestNoTTLNeverExpires(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("stage", "body", 0)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("stage"); !ok {
		t.Fatal("zero-ttl entry expired")
	}
}

func TestDeletePrefix(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set(ListKey("u", "Inbox", "all"), 1, time.Minute)
	c.Set(ListKey("u", "Inbox", "social"), 2, time.Minute)
	c.Set(ListKey("u", "Sent", "all"), 3, time.Minute)

	c.DeletePrefix("mail:u:list:Inbox:")

	if _, ok := c.Get(ListKey("u", "Inbox", "all")); ok {
		t.Fatal("Inbox/all survived prefix delete")
	}
	if _, ok := c.Get(ListKey("u", "Inbox", "social")); ok {
		t.Fatal("Inbox/social survived prefix delete")
	}
	if _, ok := c.Get(ListKey("u", "Sent", "all")); !ok {
		t.Fatal("Sent/all was wrongly deleted")
	}
}

func TestInvalidateMessage(t *testing.T) {
	c := New()
	defer c.Close()

	id := "uid-7-Inbox"
	c.Set(MailObjKey(id, "u"), "obj", time.Minute)
	c.Set(ListKey("u", "Inbox", "primary"), "list", time.Minute)
	c.Set(ListKey("u", "Trash", "all"), "list", time.Minute)

	c.InvalidateMessage(id, "u", "Inbox", "Trash")

	for _, k := range []string{
		MailObjKey(id, "u"),
		ListKey("u", "Inbox", "primary"),
		ListKey("u", "Trash", "all"),
	} {
		if _, ok := c.Get(k); ok {
			t.Fatalf("key %s survived invalidation", k)
		}
	}
}

func TestListKeyDefaultsToAll(t *testing.T) {
	if ListKey("u", "Inbox", "") != ListKey("u", "Inbox", "all") {
		t.Fatal("empty category should alias to all")
	}
}

func TestKeyFormats(t *testing.T) {
	cases := map[string]string{
		MailObjKey("uid-1-Inbox", "u"):  "mail_obj:uid-1-Inbox:u",
		ListKey("u", "Inbox", "social"): "mail:u:list:Inbox:social",
		SyncProgressKey("u"):            "sync_progress:u",
		SyncActiveKey("u"):              "sync_active:u",
		FolderMapKey("u"):               "folder_map:u",
		SmartRulesKey("u"):              "smart_rules:u",
		DraftStageKey("u", "d1"):        "draft_stage:u:d1",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key %q, want %q", got, want)
		}
	}
}

func TestFlush(t *testing.T) {
	c := New()
	defer c.Close()

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Minute)
	c.Flush()
	if _, ok := c.Get("a"); ok {
		t.Fatal("flush left entries behind")
	}
}
