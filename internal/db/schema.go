package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- SUPPORT_TICKET TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS support_ticket SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON support_ticket TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON support_ticket TYPE string
        ASSERT $value IN ['open', 'closed'] DEFAULT 'open';
    DEFINE FIELD IF NOT EXISTS chat_mode ON support_ticket TYPE string
        ASSERT $value IN ['bot', 'connecting', 'agent'] DEFAULT 'bot';
    DEFINE FIELD IF NOT EXISTS assigned_agent_id ON support_ticket TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS presence ON support_ticket TYPE object DEFAULT {};
    DEFINE FIELD IF NOT EXISTS presence.user_online ON support_ticket TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS presence.agent_online ON support_ticket TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS presence.user_typing ON support_ticket TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS presence.agent_typing ON support_ticket TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS rating ON support_ticket TYPE option<int>
        ASSERT $value = NONE OR ($value >= 1 AND $value <= 5);
    DEFINE FIELD IF NOT EXISTS created_at ON support_ticket TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON support_ticket TYPE datetime DEFAULT time::now();
    -- One open ticket per user: closed tickets get a key that never collides
    DEFINE FIELD IF NOT EXISTS open_key ON support_ticket
        VALUE IF status = 'open' { user_id } ELSE { string::concat(user_id, '#', <string>id) };

    DEFINE INDEX IF NOT EXISTS support_ticket_open_key ON support_ticket FIELDS open_key UNIQUE;
    DEFINE INDEX IF NOT EXISTS support_ticket_status ON support_ticket FIELDS status;
    DEFINE INDEX IF NOT EXISTS support_ticket_user ON support_ticket FIELDS user_id;

    -- ==========================================================================
    -- SUPPORT_MESSAGE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS support_message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS ticket_id ON support_message TYPE string;
    DEFINE FIELD IF NOT EXISTS correlation_id ON support_message TYPE string;
    DEFINE FIELD IF NOT EXISTS sender_type ON support_message TYPE string
        ASSERT $value IN ['user', 'staff', 'bot'];
    DEFINE FIELD IF NOT EXISTS message ON support_message TYPE string DEFAULT '';
    DEFINE FIELD IF NOT EXISTS file_url ON support_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS file_name ON support_message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS is_read ON support_message TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_at ON support_message TYPE datetime DEFAULT time::now();

    -- Writes are idempotent on the client-generated correlation id
    DEFINE INDEX IF NOT EXISTS support_message_correlation ON support_message FIELDS ticket_id, correlation_id UNIQUE;
    DEFINE INDEX IF NOT EXISTS support_message_ticket ON support_message FIELDS ticket_id, created_at;
`
